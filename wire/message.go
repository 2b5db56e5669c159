// Package wire implements the newline-delimited text protocol spoken between
// a bridge process and its peer. The grammar is fixed: every record is one
// line, classified by the segment before the first underscore, with
// bracket-delimited sub-fields. The codec is pure and stateless; framing and
// correlation live in the nodebridge package.
package wire

import "fmt"

// Protocol markers. The two end-line markers differ on purpose: records the
// bridge emits end with "[_bridgeendline]", while the final-chunk marker on
// incoming arguments is "[bridgeendline]" without the underscore. Both sides
// of the original protocol depend on the distinction.
const (
	OutboundTerminator = "[_bridgeendline]"
	FinalChunkMarker   = "[bridgeendline]"

	// NoArgSentinel is carried in the arg field of a call with no arguments.
	NoArgSentinel = "noarg"

	// ExitSentinel is the literal record the peer sends to close the bridge.
	ExitSentinel = "[bridgeexit]_"

	channelOpen  = "torust__bridge_name["
	channelClose = "]_end_name"

	sendPrefix = "tonode__bridge_name["

	functionTag = "function"
	nameOpen    = "bridge_name["
	nameClose   = "]_end_name"
	idOpen      = "_bridge_id["
	idClose     = "]_end_id"
	argOpen     = "_bridge_arg["
	argClose    = "]_end_arg"

	paramPrefix = "param_"

	registerPrefix = "fnregister_"
	responsePrefix = "fnresponse_"
	exitRecord     = "_bridge_exit"
)

// MessageType identifies one of the inbound record shapes.
type MessageType uint8

const (
	MessageChannelDelivery MessageType = iota
	MessageFunctionInvoke
	MessageParamChunk
	MessageShutdown
)

// String returns the message type name
func (mt MessageType) String() string {
	switch mt {
	case MessageChannelDelivery:
		return "CHANNEL_DELIVERY"
	case MessageFunctionInvoke:
		return "FUNCTION_INVOKE"
	case MessageParamChunk:
		return "PARAM_CHUNK"
	case MessageShutdown:
		return "SHUTDOWN"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(mt))
	}
}

// Message is a decoded inbound record (peer → bridge). Only the fields for
// the given Type are meaningful.
type Message struct {
	Type MessageType

	// ChannelDelivery
	Channel string
	Payload string

	// FunctionInvoke
	Function string
	CallID   string
	Arg      string
	NoArg    bool

	// ParamChunk
	Chunk string

	// Final marks the last chunk of a FunctionInvoke or ParamChunk.
	Final bool
}

// NewChannelDelivery creates a delivery of payload on the named channel.
func NewChannelDelivery(channel, payload string) *Message {
	return &Message{Type: MessageChannelDelivery, Channel: channel, Payload: payload}
}

// NewFunctionInvoke creates a function call record carrying its first (or
// only) argument chunk.
func NewFunctionInvoke(function, callID, arg string, final bool) *Message {
	return &Message{Type: MessageFunctionInvoke, Function: function, CallID: callID, Arg: arg, Final: final}
}

// NewFunctionInvokeNoArg creates a call record for a function taking no arguments.
func NewFunctionInvokeNoArg(function, callID string) *Message {
	return &Message{Type: MessageFunctionInvoke, Function: function, CallID: callID, NoArg: true, Final: true}
}

// NewParamChunk creates an argument continuation chunk for an in-flight call.
func NewParamChunk(callID, chunk string, final bool) *Message {
	return &Message{Type: MessageParamChunk, CallID: callID, Chunk: chunk, Final: final}
}

// NewShutdown creates the exit sentinel message.
func NewShutdown() *Message {
	return &Message{Type: MessageShutdown}
}

// EventType identifies one of the outbound record shapes.
type EventType uint8

const (
	EventChannelSend EventType = iota
	EventFunctionRegistered
	EventFunctionResponse
	EventExit
)

// String returns the event type name
func (et EventType) String() string {
	switch et {
	case EventChannelSend:
		return "CHANNEL_SEND"
	case EventFunctionRegistered:
		return "FUNCTION_REGISTERED"
	case EventFunctionResponse:
		return "FUNCTION_RESPONSE"
	case EventExit:
		return "EXIT"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(et))
	}
}

// Event is an outbound record (bridge → peer) before encoding. Only the
// fields for the given Type are meaningful.
type Event struct {
	Type EventType

	// ChannelSend
	Channel string
	Data    string

	// FunctionRegistered
	Name string

	// FunctionResponse
	CallID string
	Result string
}

// NewChannelSend creates a send of data on the named channel.
func NewChannelSend(channel, data string) *Event {
	return &Event{Type: EventChannelSend, Channel: channel, Data: data}
}

// NewFunctionRegistered creates a registration announcement for name.
func NewFunctionRegistered(name string) *Event {
	return &Event{Type: EventFunctionRegistered, Name: name}
}

// NewFunctionResponse creates the response record correlating to callID.
func NewFunctionResponse(callID, result string) *Event {
	return &Event{Type: EventFunctionResponse, CallID: callID, Result: result}
}

// NewExit creates the close announcement the bridge emits on shutdown.
func NewExit() *Event {
	return &Event{Type: EventExit}
}
