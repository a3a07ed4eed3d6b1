package roam

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/jabolina/go-roam/pkg/roam/metrics"
	"github.com/jabolina/go-roam/pkg/roam/network"
	"github.com/jabolina/go-roam/pkg/roam/types"
)

// TransportConfig holds the network settings of a replica.
type TransportConfig struct {
	// Connections kept open for each remote address.
	PoolSize int

	// Bound for each request to a remote address.
	Timeout time.Duration
}

// Config to start a replica.
type Config struct {
	// Control for versioning the protocol, so the server
	// can work on different versions and known which
	// version each one is talking.
	Version network.ProtocolVersion

	// User provided logger to be used.
	Logger hclog.Logger

	// LogLevel used when no logger is provided.
	LogLevel string

	// The logical uri of the chat room.
	URI types.LogicalURI

	// Address of the name server.
	NameServer types.Address

	// Address to listen for connections.
	BindAddress string

	// How long a replica serves the room before migrating.
	MigrationInterval time.Duration

	// Interval between reconnection attempts to the peer replica.
	ReconnectInterval time.Duration

	// How long a message waits for its predecessors, zero waits forever.
	DelayedMessageTTL time.Duration

	// Users needed before the history is sent.
	MinUserCount int

	// Candidates tried on each migration cycle.
	CandidateAttempts int

	// Bound to wait for in-flight messages before handing off.
	DrainTimeout time.Duration

	// Bound for the candidate to acknowledge the state.
	HandoffTimeout time.Duration

	// Keep waiting to receive the room again after handing it off.
	StandbyAfterHandoff bool

	// Start serving the room instead of waiting to receive it.
	StartActive bool

	Transport TransportConfig

	// Collector for the replica metrics, optional.
	Metrics *metrics.Metrics
}

// Creates a default configuration that can ready to be used.
func DefaultConfig() *Config {
	return &Config{
		Version:             network.LatestProtocolVersion,
		LogLevel:            "INFO",
		URI:                 "migration@localhost:5000",
		NameServer:          "localhost:6000",
		BindAddress:         "localhost:0",
		MigrationInterval:   30 * time.Second,
		ReconnectInterval:   100 * time.Millisecond,
		DelayedMessageTTL:   5 * time.Minute,
		MinUserCount:        1,
		CandidateAttempts:   3,
		DrainTimeout:        5 * time.Second,
		HandoffTimeout:      5 * time.Second,
		StandbyAfterHandoff: true,
		Transport: TransportConfig{
			PoolSize: 3,
			Timeout:  time.Second,
		},
	}
}

// Verify if the given configuration is valid to be used.
// Missing optional values receive their defaults.
func ValidateConfig(config *Config) error {
	if config.Version > network.LatestProtocolVersion {
		return fmt.Errorf("invalid protocol version %d, must be in 0 up to %d", config.Version, network.LatestProtocolVersion)
	}

	if len(config.URI) == 0 {
		return errors.New("logical uri is required")
	}

	if len(config.NameServer) == 0 {
		return errors.New("name server address is required")
	}

	if config.MigrationInterval <= 0 {
		return fmt.Errorf("migration interval must be positive, found %s", config.MigrationInterval)
	}

	if config.MinUserCount < 0 {
		return fmt.Errorf("minimum user count must not be negative, found %d", config.MinUserCount)
	}

	if config.Transport.Timeout <= 0 || config.Transport.Timeout > config.MigrationInterval {
		return fmt.Errorf("transport timeout must be in (0, %s], found %s", config.MigrationInterval, config.Transport.Timeout)
	}

	if config.Transport.PoolSize <= 0 {
		config.Transport.PoolSize = 1
	}

	if config.Logger == nil {
		config.Logger = NewLogger(config.LogLevel)
	}

	if config.Metrics == nil {
		config.Metrics = metrics.New()
	}

	return nil
}

// NewLogger creates the logger used when none is provided.
func NewLogger(level string) hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:   "roam",
		Level:  hclog.LevelFromString(level),
		Output: os.Stderr,
		Color:  hclog.AutoColor,
	})
}
