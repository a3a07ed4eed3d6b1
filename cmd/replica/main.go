package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/jabolina/go-roam/pkg/roam"
	"github.com/jabolina/go-roam/pkg/roam/metrics"
	"github.com/jabolina/go-roam/pkg/roam/types"
	"gopkg.in/alecthomas/kingpin.v2"
)

var (
	defaults = roam.DefaultConfig()

	uri         = kingpin.Flag("uri", "Logical uri of the chat room.").Default(string(defaults.URI)).String()
	nameServer  = kingpin.Flag("name-server", "Address of the name server.").Default(string(defaults.NameServer)).String()
	bind        = kingpin.Flag("bind", "Address to listen for connections.").Default(defaults.BindAddress).String()
	active      = kingpin.Flag("active", "Start serving the room instead of waiting to receive it.").Bool()
	interval    = kingpin.Flag("interval", "How long the room is served before migrating.").Default(defaults.MigrationInterval.String()).Duration()
	minUsers    = kingpin.Flag("min-users", "Users needed before the history is sent.").Default("1").Int()
	delayedTTL  = kingpin.Flag("delayed-ttl", "How long a message waits for its predecessors.").Default(defaults.DelayedMessageTTL.String()).Duration()
	attempts    = kingpin.Flag("attempts", "Candidates tried on each migration cycle.").Default("3").Int()
	standby     = kingpin.Flag("standby", "Wait to receive the room again after handing it off.").Default("true").Bool()
	timeout     = kingpin.Flag("timeout", "Timeout for each request.").Default(defaults.Transport.Timeout.String()).Duration()
	metricsAddr = kingpin.Flag("metrics", "Address to expose metrics, disabled if empty.").String()
	logLevel    = kingpin.Flag("log-level", "Log level.").Default(defaults.LogLevel).Enum("TRACE", "DEBUG", "INFO", "WARN", "ERROR")
)

func main() {
	kingpin.Parse()

	config := roam.DefaultConfig()
	config.URI = types.LogicalURI(*uri)
	config.NameServer = types.Address(*nameServer)
	config.BindAddress = *bind
	config.StartActive = *active
	config.MigrationInterval = *interval
	config.MinUserCount = *minUsers
	config.DelayedMessageTTL = *delayedTTL
	config.CandidateAttempts = *attempts
	config.StandbyAfterHandoff = *standby
	config.Transport.Timeout = *timeout
	config.LogLevel = *logLevel
	config.Logger = roam.NewLogger(*logLevel)
	config.Metrics = metrics.New()
	log := config.Logger

	replica, err := roam.NewReplica(config)
	if err != nil {
		log.Error("failed creating replica", "error", err)
		os.Exit(1)
	}

	if err := replica.Start(); err != nil {
		log.Error("failed starting replica", "error", err)
		replica.Shutdown()
		os.Exit(1)
	}

	var exporter *metrics.Exporter
	if len(*metricsAddr) > 0 {
		exporter = metrics.NewExporter(*metricsAddr, config.Metrics)
		go func() {
			if err := exporter.Start(); err != nil {
				log.Error("failed exposing metrics", "error", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
	case <-replica.Manager().Terminated():
		log.Info("room handed off")
	}

	log.Info("shutting down")
	if exporter != nil {
		exporter.Stop()
	}
	replica.Shutdown()
}
