package nodebridge

import (
	"fmt"
	"strconv"

	"github.com/machinefabric/nodebridge-go/wire"
)

// function is one registered handler with its queue and worker. A
// replacement registration closes the old queue, which retires the old
// worker after it drains.
type function struct {
	name     string
	queue    *argQueue
	handler  HandlerFunc
	passData any
	async    bool
}

// run is the function's worker loop. The first queue element is always the
// call id; the rest are the call's arguments. Synchronous handlers run to
// completion before the next item is dequeued; async handlers get a
// goroutine per invocation.
func (fn *function) run(b *Bridge) {
	for {
		args, ok := fn.queue.pop()
		if !ok {
			return
		}
		callID, rest := args[0], args[1:]
		if fn.async {
			go fn.invoke(b, callID, rest)
		} else {
			fn.invoke(b, callID, rest)
		}
	}
}

// invoke runs the handler and writes the response. A handler error (which
// includes argument-parse failures from Typed) drops the invocation: the
// peer conflates "result" with "line emitted", so no response record for
// that call id is ever written.
func (fn *function) invoke(b *Bridge, callID string, args []string) {
	result, err := fn.handler(args, fn.passData)
	if err != nil {
		b.diagf("dropped invocation of %s (call %s): %v", fn.name, callID, err)
		return
	}
	if err := b.writer.WriteEvent(wire.NewFunctionResponse(callID, result)); err != nil {
		b.diagf("failed to write response for %s (call %s): %v", fn.name, callID, err)
	}
}

// Typed adapts a handler over a concrete argument element type and result
// type to a HandlerFunc. Each argument string is parsed into A; a parse
// failure aborts only that invocation. The result is formatted with
// fmt.Sprint.
//
// Supported element types: string, int, int64, uint64, float64, bool.
func Typed[A any, R any](fn func(args []A, passData any) R) HandlerFunc {
	return func(raw []string, passData any) (string, error) {
		args := make([]A, len(raw))
		for i, s := range raw {
			v, err := parseArg[A](s)
			if err != nil {
				return "", fmt.Errorf("argument %d: %w", i, err)
			}
			args[i] = v
		}
		return fmt.Sprint(fn(args, passData)), nil
	}
}

// Raw adapts an infallible handler over the raw argument strings.
func Raw[R any](fn func(args []string, passData any) R) HandlerFunc {
	return func(raw []string, passData any) (string, error) {
		return fmt.Sprint(fn(raw, passData)), nil
	}
}

func parseArg[A any](s string) (A, error) {
	var v A
	switch p := any(&v).(type) {
	case *string:
		*p = s
	case *int:
		n, err := strconv.Atoi(s)
		if err != nil {
			return v, fmt.Errorf("parsing %q as int: %w", s, err)
		}
		*p = n
	case *int64:
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return v, fmt.Errorf("parsing %q as int64: %w", s, err)
		}
		*p = n
	case *uint64:
		n, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return v, fmt.Errorf("parsing %q as uint64: %w", s, err)
		}
		*p = n
	case *float64:
		n, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return v, fmt.Errorf("parsing %q as float64: %w", s, err)
		}
		*p = n
	case *bool:
		t, err := strconv.ParseBool(s)
		if err != nil {
			return v, fmt.Errorf("parsing %q as bool: %w", s, err)
		}
		*p = t
	default:
		return v, fmt.Errorf("unsupported argument element type %T", v)
	}
	return v, nil
}
