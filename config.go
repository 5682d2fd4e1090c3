package main

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"gopkg.in/yaml.v3"
)

const (
	defaultMQTTURL  = "mqtt://localhost:1883/modbus-mqtt"
	defaultClientID = "modbus-mqtt"
)

// Bootstrap is an optional on-disk override of broker options for local
// development, so the URL on the command line can stay short. URL-provided
// values win over the file.
type Bootstrap struct {
	MQTT struct {
		Broker   string `yaml:"broker"`
		ClientID string `yaml:"client_id"`
		Username string `yaml:"username"`
		Password string `yaml:"password"`
	} `yaml:"mqtt"`
}

func loadBootstrap(path string) (*Bootstrap, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Bootstrap
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// BrokerConfig is everything the MQTT multiplexer needs: parsed client
// options plus the topic prefix all bridge traffic roots at.
type BrokerConfig struct {
	Options *mqtt.ClientOptions
	Prefix  string
}

// parseMQTTURL turns an mqtt:// URL into broker options and a topic prefix.
// The URL path (trimmed of slashes) becomes the prefix; an empty path
// yields a prefix equal to the client id. The client_id and keep_alive query
// parameters are applied to the client options; other query parameters are
// ignored. A missing client_id gets the fixed default so the last-will topic
// stays stable across restarts.
func parseMQTTURL(raw string, bootstrap *Bootstrap) (*BrokerConfig, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid MQTT URL %q: %w", raw, err)
	}

	var scheme string
	switch u.Scheme {
	case "mqtt", "tcp":
		scheme = "tcp"
	case "mqtts", "ssl", "tls":
		scheme = "ssl"
	case "ws", "wss":
		scheme = u.Scheme
	default:
		return nil, fmt.Errorf("unsupported MQTT URL scheme %q", u.Scheme)
	}

	host := u.Hostname()
	if host == "" && bootstrap != nil && bootstrap.MQTT.Broker != "" {
		return parseMQTTURL(bootstrap.MQTT.Broker+u.Path, nil)
	}
	if host == "" {
		return nil, fmt.Errorf("MQTT URL %q has no host", raw)
	}

	port := u.Port()
	if port == "" {
		port = "1883"
		if scheme == "ssl" {
			port = "8883"
		}
	}

	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("%s://%s:%s", scheme, host, port)).
		SetConnectTimeout(5 * time.Second).
		SetAutoReconnect(true).
		SetResumeSubs(true)

	query := u.Query()

	clientID := query.Get("client_id")
	if clientID == "" && bootstrap != nil {
		clientID = bootstrap.MQTT.ClientID
	}
	if clientID == "" {
		clientID = defaultClientID
	}
	opts.SetClientID(clientID)

	if ka := query.Get("keep_alive"); ka != "" {
		secs, err := strconv.Atoi(ka)
		if err != nil {
			return nil, fmt.Errorf("invalid keep_alive %q: %w", ka, err)
		}
		opts.SetKeepAlive(time.Duration(secs) * time.Second)
	}

	if user := u.User; user != nil {
		opts.SetUsername(user.Username())
		if pass, ok := user.Password(); ok {
			opts.SetPassword(pass)
		}
	} else if bootstrap != nil && bootstrap.MQTT.Username != "" {
		opts.SetUsername(bootstrap.MQTT.Username)
		opts.SetPassword(bootstrap.MQTT.Password)
	}

	prefix := strings.Trim(u.Path, "/")
	if prefix == "" {
		prefix = clientID
	}

	return &BrokerConfig{Options: opts, Prefix: prefix}, nil
}

// setupLogging configures the process-wide slog level from MODBUS_MQTT_LOG
// (debug, info, warn, error; default info).
func setupLogging() {
	level := slog.LevelInfo

	switch strings.ToLower(os.Getenv("MODBUS_MQTT_LOG")) {
	case "debug":
		level = slog.LevelDebug
	case "", "info":
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}
