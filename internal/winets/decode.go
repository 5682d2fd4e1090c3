package winets

import (
	"fmt"
	"strconv"
	"strings"
)

// The gateway returns register data as a space-separated hex byte string,
// trailing whitespace included:
//
//	"aa bb cc dd "
//
// Modbus registers are 16-bit words, so the byte list is consumed two at a
// time, big-endian.
func wordsFromHex(s string) ([]uint16, error) {
	fields := strings.Fields(s)
	if len(fields)%2 != 0 {
		return nil, fmt.Errorf("winets: odd number of bytes in %q", s)
	}

	words := make([]uint16, 0, len(fields)/2)
	for i := 0; i < len(fields); i += 2 {
		hi, err := strconv.ParseUint(fields[i], 16, 8)
		if err != nil {
			return nil, fmt.Errorf("winets: bad hex byte %q: %w", fields[i], err)
		}
		lo, err := strconv.ParseUint(fields[i+1], 16, 8)
		if err != nil {
			return nil, fmt.Errorf("winets: bad hex byte %q: %w", fields[i+1], err)
		}
		words = append(words, uint16(hi)<<8|uint16(lo))
	}
	return words, nil
}
