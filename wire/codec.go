package wire

import (
	"errors"
	"fmt"
	"strings"
)

// ErrMalformed is returned for a record that matches no known shape. Callers
// drop such records and keep reading; a malformed record is never fatal.
var ErrMalformed = errors.New("wire: malformed record")

// DecodeInbound decodes one raw line into an inbound Message. The line must
// already be stripped of its trailing newline.
func DecodeInbound(line string) (*Message, error) {
	tag, _, found := strings.Cut(line, "_")
	if !found {
		return nil, fmt.Errorf("%w: no tag separator in %q", ErrMalformed, line)
	}

	switch tag {
	case "torust":
		rest, ok := cutMarker(line, channelOpen)
		if !ok {
			return nil, fmt.Errorf("%w: missing channel field in %q", ErrMalformed, line)
		}
		channel, payload, ok := strings.Cut(rest, channelClose)
		if !ok {
			return nil, fmt.Errorf("%w: unterminated channel field in %q", ErrMalformed, line)
		}
		// The payload runs to end of line verbatim; nothing is stripped.
		return NewChannelDelivery(channel, payload), nil

	case functionTag:
		name, ok := bracketField(line, nameOpen, nameClose)
		if !ok {
			return nil, fmt.Errorf("%w: missing name field in %q", ErrMalformed, line)
		}
		id, ok := bracketField(line, idOpen, idClose)
		if !ok {
			return nil, fmt.Errorf("%w: missing id field in %q", ErrMalformed, line)
		}
		arg, ok := bracketField(line, argOpen, argClose)
		if !ok {
			return nil, fmt.Errorf("%w: missing arg field in %q", ErrMalformed, line)
		}
		if arg == NoArgSentinel {
			return NewFunctionInvokeNoArg(name, id), nil
		}
		if stripped, final := strings.CutSuffix(arg, FinalChunkMarker); final {
			return NewFunctionInvoke(name, id, stripped, true), nil
		}
		return NewFunctionInvoke(name, id, arg, false), nil

	case "param":
		rest := line[len(paramPrefix):]
		id, value, ok := strings.Cut(rest, "_")
		if !ok {
			return nil, fmt.Errorf("%w: missing chunk value in %q", ErrMalformed, line)
		}
		if stripped, final := strings.CutSuffix(value, FinalChunkMarker); final {
			return NewParamChunk(id, stripped, true), nil
		}
		return NewParamChunk(id, value, false), nil

	case "[bridgeexit]":
		return NewShutdown(), nil

	default:
		return nil, fmt.Errorf("%w: unknown tag %q", ErrMalformed, tag)
	}
}

// EncodeOutbound encodes an outbound Event into its wire line, including the
// outbound end-line marker but not the trailing newline.
func EncodeOutbound(event *Event) string {
	switch event.Type {
	case EventChannelSend:
		return sendPrefix + event.Channel + channelClose + event.Data + OutboundTerminator
	case EventFunctionRegistered:
		return registerPrefix + event.Name + OutboundTerminator
	case EventFunctionResponse:
		return responsePrefix + event.CallID + "_" + event.Result + OutboundTerminator
	case EventExit:
		return exitRecord + OutboundTerminator
	default:
		return ""
	}
}

// DecodeOutbound decodes a bridge-emitted line back into its Event. This is
// the peer-side half of the codec; the bridge itself never reads these.
func DecodeOutbound(line string) (*Event, error) {
	body, ok := strings.CutSuffix(line, OutboundTerminator)
	if !ok {
		return nil, fmt.Errorf("%w: missing end-line marker in %q", ErrMalformed, line)
	}

	switch {
	case body == exitRecord:
		return NewExit(), nil

	case strings.HasPrefix(body, sendPrefix):
		channel, data, ok := strings.Cut(body[len(sendPrefix):], channelClose)
		if !ok {
			return nil, fmt.Errorf("%w: unterminated channel field in %q", ErrMalformed, line)
		}
		return NewChannelSend(channel, data), nil

	case strings.HasPrefix(body, registerPrefix):
		return NewFunctionRegistered(body[len(registerPrefix):]), nil

	case strings.HasPrefix(body, responsePrefix):
		callID, result, ok := strings.Cut(body[len(responsePrefix):], "_")
		if !ok {
			return nil, fmt.Errorf("%w: missing result separator in %q", ErrMalformed, line)
		}
		return NewFunctionResponse(callID, result), nil

	default:
		return nil, fmt.Errorf("%w: unknown outbound record %q", ErrMalformed, line)
	}
}

// EncodeInbound encodes a Message into the line a peer would send. This is
// the peer-side half of the codec.
func EncodeInbound(msg *Message) string {
	switch msg.Type {
	case MessageChannelDelivery:
		return channelOpen + msg.Channel + channelClose + msg.Payload

	case MessageFunctionInvoke:
		arg := msg.Arg
		switch {
		case msg.NoArg:
			arg = NoArgSentinel
		case msg.Final:
			arg += FinalChunkMarker
		}
		return functionTag + "__" + nameOpen + msg.Function + nameClose +
			idOpen + msg.CallID + idClose + argOpen + arg + argClose

	case MessageParamChunk:
		chunk := msg.Chunk
		if msg.Final {
			chunk += FinalChunkMarker
		}
		return paramPrefix + msg.CallID + "_" + chunk

	case MessageShutdown:
		return ExitSentinel

	default:
		return ""
	}
}

// cutMarker returns the text after the first occurrence of marker.
func cutMarker(s, marker string) (string, bool) {
	_, after, found := strings.Cut(s, marker)
	return after, found
}

// bracketField extracts the text between the first occurrence of open and
// the next occurrence of close after it.
func bracketField(s, open, close string) (string, bool) {
	rest, ok := cutMarker(s, open)
	if !ok {
		return "", false
	}
	field, _, ok := strings.Cut(rest, close)
	if !ok {
		return "", false
	}
	return field, true
}
