package types

// Kind of event pushed from a chat server to a connected client.
// This is a closed set, a client receiving a kind it does not know
// must answer with an explicit error instead of ignoring it.
type EventKind uint8

const (
	// Informational text, e.g. a user joined or left.
	ServerMessageEvent EventKind = iota

	// The message log replayed to a client.
	MessageHistoryEvent

	// A delivered chat message stamped for the destination.
	ChatEvent

	// Clients must stop (or resume) sending messages.
	PauseMessagingEvent

	// Clients must resolve the logical URI again and reconnect.
	ReconnectEvent
)

func (k EventKind) String() string {
	switch k {
	case ServerMessageEvent:
		return "server_message"
	case MessageHistoryEvent:
		return "message_history"
	case ChatEvent:
		return "chat"
	case PauseMessagingEvent:
		return "pause_messaging"
	case ReconnectEvent:
		return "reconnect"
	default:
		return "unknown"
	}
}

// Event pushed to a client.
// Only the field related to the Kind is filled.
type Event struct {
	Kind EventKind

	// Text for a ServerMessageEvent.
	Text string

	// Messages for a MessageHistoryEvent.
	History []Delivered

	// The message for a ChatEvent.
	Chat Message

	// Value for a PauseMessagingEvent.
	Pause bool
}

// Creates an informational event.
func NewServerMessage(text string) Event {
	return Event{Kind: ServerMessageEvent, Text: text}
}

// Creates a history event.
func NewHistory(messages []Delivered) Event {
	return Event{Kind: MessageHistoryEvent, History: messages}
}

// Creates a chat event.
func NewChat(message Message) Event {
	return Event{Kind: ChatEvent, Chat: message}
}

// Creates a pause event.
func NewPause(pause bool) Event {
	return Event{Kind: PauseMessagingEvent, Pause: pause}
}

// Creates a reconnect event.
func NewReconnect() Event {
	return Event{Kind: ReconnectEvent}
}
