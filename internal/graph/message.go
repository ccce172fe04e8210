package graph

import "fmt"

// MessageKind classifies lifecycle messages.
type MessageKind int

const (
	MessageStateChanged MessageKind = iota
	MessageError
	MessageEOS
)

// String returns the kind name.
func (k MessageKind) String() string {
	switch k {
	case MessageStateChanged:
		return "state-changed"
	case MessageError:
		return "error"
	case MessageEOS:
		return "eos"
	default:
		return fmt.Sprintf("message(%d)", int(k))
	}
}

// Message is an asynchronous lifecycle notification from a graph.
type Message struct {
	// Graph is the name of the graph that emitted the message.
	Graph string
	Kind  MessageKind

	// Old and New are set for MessageStateChanged.
	Old, New State

	// Err and Debug are set for MessageError.
	Err   error
	Debug string
}

// StateChanged builds a state-change message.
func StateChanged(graphName string, old, new State) Message {
	return Message{Graph: graphName, Kind: MessageStateChanged, Old: old, New: new}
}

// ErrorMessage builds an error message.
func ErrorMessage(graphName string, err error, debug string) Message {
	return Message{Graph: graphName, Kind: MessageError, Err: err, Debug: debug}
}

// EOS builds an end-of-stream message.
func EOS(graphName string) Message {
	return Message{Graph: graphName, Kind: MessageEOS}
}
