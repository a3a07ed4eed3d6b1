package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/jabolina/go-roam/pkg/roam"
	"github.com/jabolina/go-roam/pkg/roam/metrics"
	"github.com/jabolina/go-roam/pkg/roam/naming"
	"github.com/jabolina/go-roam/pkg/roam/network"
	"gopkg.in/alecthomas/kingpin.v2"
)

var (
	bind        = kingpin.Flag("bind", "Address to listen for records.").Default("localhost:6000").String()
	poolSize    = kingpin.Flag("pool", "Connections kept for each address.").Default("3").Int()
	timeout     = kingpin.Flag("timeout", "Timeout for each request.").Default("1s").Duration()
	metricsAddr = kingpin.Flag("metrics", "Address to expose metrics, disabled if empty.").String()
	logLevel    = kingpin.Flag("log-level", "Log level.").Default("INFO").Enum("TRACE", "DEBUG", "INFO", "WARN", "ERROR")
)

func main() {
	kingpin.Parse()

	log := roam.NewLogger(*logLevel).Named("naming")
	m := metrics.New()

	transport, err := network.NewTCPTransport(*bind, nil, *poolSize, *timeout, log.Named("transport"))
	if err != nil {
		log.Error("failed creating transport", "bind", *bind, "error", err)
		os.Exit(1)
	}

	server := naming.NewServer(transport, log, m)
	log.Info("name server started", "address", server.Address())

	var exporter *metrics.Exporter
	if len(*metricsAddr) > 0 {
		exporter = metrics.NewExporter(*metricsAddr, m)
		go func() {
			if err := exporter.Start(); err != nil {
				log.Error("failed exposing metrics", "error", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
	if exporter != nil {
		exporter.Stop()
	}
	server.Shutdown()
}
