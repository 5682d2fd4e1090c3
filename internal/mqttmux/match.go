package mqttmux

import "strings"

// Match implements the MQTT topic-filter language: "+" matches exactly one
// level, "#" matches zero or more trailing levels, all other segments are
// literal. Matching is case-sensitive. Leading "$" topics are not treated
// specially by this layer; callers that care about "$SYS" must filter
// before subscribing.
func Match(topic, filter string) bool {
	if topic == "" || filter == "" {
		return false
	}

	topicLevels := strings.Split(topic, "/")
	filterLevels := strings.Split(filter, "/")

	for i, f := range filterLevels {
		if f == "#" {
			// "#" must be the last filter level and matches everything
			// remaining, including zero further levels.
			return i == len(filterLevels)-1
		}

		if i >= len(topicLevels) {
			return false
		}

		if f == "+" {
			continue
		}

		if f != topicLevels[i] {
			return false
		}
	}

	return len(topicLevels) == len(filterLevels)
}
