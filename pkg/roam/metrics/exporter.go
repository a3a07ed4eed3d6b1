package metrics

import (
	"errors"
	"net/http"
	"time"
)

// Exporter exposes metrics via HTTP.
type Exporter struct {
	server *http.Server
}

// NewExporter creates an exporter serving the metrics on /metrics.
func NewExporter(addr string, m *Metrics) *Exporter {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	return &Exporter{
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Start serves until stopped.
func (e *Exporter) Start() error {
	if err := e.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop the exporter.
func (e *Exporter) Stop() error {
	return e.server.Close()
}
