package types

import "fmt"

// Stable name for a migratable server, independent of the
// physical address currently serving it.
// A process registers itself under `migration@host:port`, while
// the migratable chat service is known by a shared name, for
// example `chat@roam`. A LogicalURI is never reused across
// unrelated servers.
type LogicalURI string

// The `host:port` reachable endpoint for a LogicalURI.
type Address string

// Identifier of a process participating on the causal delivery.
// For clients this is the user UUID, the server uses ServerID.
type ProcessID string

// Index agreed between replicas as the global position of
// a delivered message.
type DeliveryIndex uint64

// Unique identifier of a message, derived from the sender and the
// sequence number stamped by the sender vector clock.
type UID string

const (
	// The process id used by a chat server when stamping
	// messages sent to clients.
	ServerID ProcessID = "server"
)

// Message as produced by a VectorClock when sending.
// The Count is the per-destination sequence number, so messages from
// the same sender to the same destination are totally ordered.
type Message struct {
	// Who sent the message.
	SenderID ProcessID `codec:"sender_id"`

	// The chat text.
	Text string `codec:"message"`

	// Per-destination send sequence number.
	Count uint64 `codec:"message_count"`

	// Name of the user that originally wrote the text. Only filled
	// by the server when forwarding a delivered message to clients.
	Username string `codec:"username,omitempty"`

	// Agreed delivery index. Only filled by the server when forwarding
	// a delivered message to clients.
	Index DeliveryIndex `codec:"index,omitempty"`
}

// Identifier returns the unique identifier for the message.
// Two messages with the same sender and count are the same message,
// this is used to de-duplicate replayed requests.
func (m Message) Identifier() UID {
	return UID(fmt.Sprintf("%s/%d", m.SenderID, m.Count))
}

// A message after it was delivered and received its index.
// This is the structure kept on the message log and sent as history.
type Delivered struct {
	// Name of the user that sent the message.
	Username string `codec:"username"`

	// The chat text.
	Text string `codec:"message"`

	// Globally agreed position.
	Index DeliveryIndex `codec:"index"`

	// Identifier of the message as sent, empty when unknown.
	ID UID `codec:"id,omitempty"`
}

// A connected chat user.
// The user set is created on connect, destroyed on disconnect and
// entirely discarded after a migration handoff.
type User struct {
	// Display name, unique case-insensitively.
	Name string

	// Stable identity used on vector clock sender fields.
	UUID ProcessID

	// Public address published by the user, used for private messages
	// and to push server events back to the client.
	URI Address

	// Transport specific and volatile, changes on every reconnect.
	SessionID string
}
