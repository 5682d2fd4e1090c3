// modbus-mqtt bridges Modbus devices (TCP, serial RTU, Sungrow WiNet-S
// gateways) onto an MQTT control and telemetry plane. Connection configs
// arrive on <prefix>/<id>/connect, register definitions on
// <prefix>/<id>/registers/<path>/config, and decoded values flow back out
// under the same prefix.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modbus-mqtt/bridge/internal/connector"
	"github.com/modbus-mqtt/bridge/internal/mqttmux"
	"github.com/modbus-mqtt/bridge/internal/shutdown"
)

const shutdownGrace = 5 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	fs := flag.NewFlagSet("modbus-mqtt", flag.ExitOnError)
	bootstrapPath := fs.String("config", "", "optional YAML file with broker defaults for local development")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: modbus-mqtt [flags] [MQTT_URL]\n\n")
		fmt.Fprintf(fs.Output(), "MQTT_URL defaults to $MQTT_URL, then %s.\n", defaultMQTTURL)
		fmt.Fprintf(fs.Output(), "The URL path becomes the topic prefix.\n\n")
		fs.PrintDefaults()
	}
	_ = fs.Parse(os.Args[1:])

	setupLogging()

	rawURL := fs.Arg(0)
	if rawURL == "" {
		rawURL = os.Getenv("MQTT_URL")
	}
	if rawURL == "" {
		rawURL = defaultMQTTURL
	}

	var bootstrap *Bootstrap
	if *bootstrapPath != "" {
		var err error
		bootstrap, err = loadBootstrap(*bootstrapPath)
		if err != nil {
			slog.Error("failed to load bootstrap config", "path", *bootstrapPath, "err", err)
			return 2
		}
	}

	broker, err := parseMQTTURL(rawURL, bootstrap)
	if err != nil {
		slog.Error("bad MQTT URL", "err", err)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	// Two shutdown stages: workers (connector, supervisors, monitors)
	// cancel first and drain; the MQTT session goes down last so their
	// final state publishes still reach the broker.
	workers, cancelWorkers := shutdown.New()
	muxTok, cancelMux := shutdown.New()

	mux, err := mqttmux.New(ctx, mqttmux.Options{
		Broker: *broker.Options,
		Prefix: broker.Prefix,
	}, muxTok)
	if err != nil {
		slog.Error("failed to connect to MQTT broker", "err", err)
		return 1
	}

	conn := connector.New(mux.Root(), workers.Clone())
	go func() {
		if err := conn.Run(workers.Context()); err != nil {
			slog.Error("connector failed", "err", err)
			stop()
		}
	}()

	slog.Info("bridge running", "prefix", broker.Prefix)

	<-ctx.Done()
	slog.Info("shutting down")

	cancelWorkers()
	workers.Release()

	select {
	case <-workers.AllReleased():
	case <-time.After(shutdownGrace):
		slog.Warn("shutdown didn't complete in time, closing MQTT anyway")
	}

	cancelMux()
	muxTok.Release()
	<-mux.Done()

	slog.Info("goodbye")
	return 0
}
