package nodebridge

import (
	"fmt"
	"time"

	"github.com/machinefabric/nodebridge-go/wire"
)

// commandKind identifies what a dispatcher inbox entry carries.
type commandKind uint8

const (
	cmdRecord commandKind = iota
	cmdWaiter
	cmdFunction
	cmdShutdown
)

// command is one entry in the dispatcher inbox. Raw records from the reader
// and local registrations travel through the same inbox, so a call arriving
// right after its function was registered can never be observed out of
// order with the registration.
type command struct {
	kind commandKind

	// cmdRecord
	record string

	// cmdWaiter
	channel string
	waiter  chan string

	// cmdFunction
	name string
	fn   *function
}

// pendingCall accumulates the argument chunks of one in-flight function
// call, keyed by call id. args starts with the call id itself so the
// completed list can be handed to the function queue as-is.
type pendingCall struct {
	function string
	args     []string
	started  time.Time
}

// dispatchState holds every correlation map. Only the dispatcher goroutine
// ever touches it, so none of it is locked.
type dispatchState struct {
	waiters   map[string]chan string
	abandoned []chan string
	functions map[string]*function
	pending   map[string]*pendingCall
}

// dispatch is the bridge's single-threaded actor. It consumes one command
// at a time in arrival order, which is the ordering guarantee of the whole
// bridge: two records the peer sent in sequence are handled in sequence.
func (b *Bridge) dispatch() {
	state := &dispatchState{
		waiters:   make(map[string]chan string),
		functions: make(map[string]*function),
		pending:   make(map[string]*pendingCall),
	}

	var sweep <-chan time.Time
	if b.staleTimeout > 0 {
		ticker := time.NewTicker(b.staleTimeout)
		defer ticker.Stop()
		sweep = ticker.C
	}

	for {
		select {
		case cmd := <-b.inbox:
			switch cmd.kind {
			case cmdRecord:
				msg, err := wire.DecodeInbound(cmd.record)
				if err != nil {
					// Protocol noise tolerance: drop and keep reading.
					b.diagf("dropped record: %v", err)
					continue
				}
				if msg.Type == wire.MessageShutdown {
					b.teardown(state)
					return
				}
				b.handleMessage(msg, state)

			case cmdWaiter:
				if old, exists := state.waiters[cmd.channel]; exists {
					// Replacement-on-register: the old waiter is never
					// fulfilled and resolves only at teardown.
					state.abandoned = append(state.abandoned, old)
				}
				state.waiters[cmd.channel] = cmd.waiter

			case cmdFunction:
				if old, exists := state.functions[cmd.name]; exists {
					old.queue.close()
				}
				state.functions[cmd.name] = cmd.fn

			case cmdShutdown:
				b.teardown(state)
				return
			}

		case now := <-sweep:
			for id, call := range state.pending {
				if now.Sub(call.started) >= b.staleTimeout {
					b.diagf("dropped stale call %s to %s: final chunk never arrived", id, call.function)
					delete(state.pending, id)
				}
			}
		}
	}
}

// handleMessage drives one decoded message through the correlation maps.
func (b *Bridge) handleMessage(msg *wire.Message, state *dispatchState) {
	switch msg.Type {
	case wire.MessageChannelDelivery:
		waiter, exists := state.waiters[msg.Channel]
		if !exists {
			return
		}
		// Remove before fulfilling; exactly one waiter per delivery.
		delete(state.waiters, msg.Channel)
		waiter <- msg.Payload

	case wire.MessageFunctionInvoke:
		switch {
		case msg.NoArg:
			if fn, exists := state.functions[msg.Function]; exists {
				fn.queue.push([]string{msg.CallID})
			}
		case msg.Final:
			if fn, exists := state.functions[msg.Function]; exists {
				fn.queue.push([]string{msg.CallID, msg.Arg})
			}
		default:
			// First chunk of a multi-chunk call. The handler lookup is
			// deferred to completion time, matching the single-chunk path's
			// behavior for unknown functions.
			state.pending[msg.CallID] = &pendingCall{
				function: msg.Function,
				args:     []string{msg.CallID, msg.Arg},
				started:  time.Now(),
			}
		}

	case wire.MessageParamChunk:
		call, exists := state.pending[msg.CallID]
		if !exists {
			// Unknown call id: dropped silently.
			return
		}
		call.args = append(call.args, msg.Chunk)
		if msg.Final {
			if fn, exists := state.functions[call.function]; exists {
				fn.queue.push(call.args)
			}
			delete(state.pending, msg.CallID)
		}
	}
}

// teardown moves the bridge to Closed: every outstanding waiter resolves as
// closed, every function queue closes so its worker drains and exits, and
// all maps are cleared. After this the bridge degrades to a no-op.
func (b *Bridge) teardown(state *dispatchState) {
	b.closed.Store(true)

	for _, waiter := range state.waiters {
		close(waiter)
	}
	for _, waiter := range state.abandoned {
		close(waiter)
	}
	for _, fn := range state.functions {
		fn.queue.close()
	}

	state.waiters = make(map[string]chan string)
	state.abandoned = nil
	state.functions = make(map[string]*function)
	state.pending = make(map[string]*pendingCall)

	close(b.done)
}

// diagf writes one diagnostic line. Never on the wire.
func (b *Bridge) diagf(format string, args ...any) {
	if b.diag == nil {
		return
	}
	fmt.Fprintf(b.diag, "[nodebridge] "+format+"\n", args...)
}
