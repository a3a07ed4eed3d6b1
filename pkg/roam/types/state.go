package types

// Describes at which step of the migration protocol a replica is.
//
// A replica that will receive a migration starts on Initializing and
// moves to Running when the handoff payload arrives. The active replica
// walks Running -> Pausing -> Draining -> HandingOff -> Terminated.
type MigrationState uint8

const (
	// Replica is up but does not own the logical URI, waiting to
	// receive a migration payload.
	Initializing MigrationState = iota

	// Serving clients normally.
	Running

	// Pause signal sent to all clients and new joins refused.
	Pausing

	// In-flight messages finishing causal and coordination processing.
	Draining

	// State snapshot sent to the chosen peer, waiting the acknowledgment.
	HandingOff

	// This replica stopped serving, the identity belongs to the peer.
	Terminated
)

func (s MigrationState) String() string {
	switch s {
	case Initializing:
		return "initializing"
	case Running:
		return "running"
	case Pausing:
		return "pausing"
	case Draining:
		return "draining"
	case HandingOff:
		return "handing-off"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Snapshot is the in-memory state transferred from the active
// replica to the candidate during the handoff.
type Snapshot struct {
	// VectorClock per-destination send counters.
	Sent map[ProcessID]uint64

	// VectorClock per-sender receive counters.
	Received map[ProcessID]uint64

	// The whole message log, ordered by index.
	Messages []Delivered

	// Next index the active replica would assign.
	NextIndex DeliveryIndex

	// How many users must be connected before the history is sent.
	MinUserCount int

	// If the history was already broadcast to everyone.
	HistorySent bool
}
