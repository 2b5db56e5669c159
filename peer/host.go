// Package peer implements the host side of the bridge protocol: the process
// that spawns a bridge executable, invokes its registered functions, and
// exchanges channel messages with it. The bridge side lives in the
// nodebridge root package; peer exists for Go hosts and for driving a
// bridge in tests.
package peer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"github.com/google/uuid"

	"github.com/machinefabric/nodebridge-go/wire"
)

// ErrHostClosed is returned once the host (or the bridge behind it) has
// shut down.
var ErrHostClosed = errors.New("peer: host is closed")

// subscriberBuffer is the per-subscription backlog. Deliveries beyond it
// are dropped rather than blocking the read loop.
const subscriberBuffer = 64

// Host drives one bridge process from the peer side.
type Host struct {
	writer *wire.RecordWriter
	cmd    *exec.Cmd

	mu        sync.Mutex
	pending   map[string]chan string
	subs      map[string][]chan string
	functions map[string]bool
	closed    bool

	done chan struct{}
}

// Attach connects a host to an already-running bridge via its output and
// input streams.
func Attach(bridgeOut io.Reader, bridgeIn io.Writer) *Host {
	h := &Host{
		writer:    wire.NewRecordWriter(bridgeIn),
		pending:   make(map[string]chan string),
		subs:      make(map[string][]chan string),
		functions: make(map[string]bool),
		done:      make(chan struct{}),
	}
	go h.readLoop(bridgeOut)
	return h
}

// Spawn starts a bridge executable and attaches to its stdio.
func Spawn(path string, args ...string) (*Host, error) {
	cmd := exec.Command(path, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting bridge: %w", err)
	}

	h := Attach(stdout, stdin)
	h.cmd = cmd
	return h, nil
}

// Call invokes a registered function on the bridge and waits for its
// response. Arguments are sent per the chunking rules: a single argument
// travels in the call record itself, further arguments follow as param
// chunks with the last one marked final.
func (h *Host) Call(ctx context.Context, function string, args ...string) (string, error) {
	callID := uuid.NewString()

	response := make(chan string, 1)
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return "", ErrHostClosed
	}
	h.pending[callID] = response
	h.mu.Unlock()

	if err := h.writeCall(function, callID, args); err != nil {
		h.mu.Lock()
		delete(h.pending, callID)
		h.mu.Unlock()
		return "", err
	}

	select {
	case result, ok := <-response:
		if !ok {
			return "", ErrHostClosed
		}
		return result, nil
	case <-ctx.Done():
		h.mu.Lock()
		delete(h.pending, callID)
		h.mu.Unlock()
		return "", ctx.Err()
	case <-h.done:
		return "", ErrHostClosed
	}
}

func (h *Host) writeCall(function, callID string, args []string) error {
	switch len(args) {
	case 0:
		return h.writer.WriteRecord(wire.EncodeInbound(wire.NewFunctionInvokeNoArg(function, callID)))
	case 1:
		return h.writer.WriteRecord(wire.EncodeInbound(wire.NewFunctionInvoke(function, callID, args[0], true)))
	default:
		if err := h.writer.WriteRecord(wire.EncodeInbound(wire.NewFunctionInvoke(function, callID, args[0], false))); err != nil {
			return err
		}
		for i, chunk := range args[1:] {
			final := i == len(args)-2
			if err := h.writer.WriteRecord(wire.EncodeInbound(wire.NewParamChunk(callID, chunk, final))); err != nil {
				return err
			}
		}
		return nil
	}
}

// Notify publishes data on the named channel, fulfilling the bridge's most
// recent Receive for it.
func (h *Host) Notify(channel, data string) error {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return ErrHostClosed
	}
	return h.writer.WriteRecord(wire.EncodeInbound(wire.NewChannelDelivery(channel, data)))
}

// On subscribes to sends from the bridge on the named channel. The
// subscription channel is closed when the host shuts down.
func (h *Host) On(channel string) <-chan string {
	sub := make(chan string, subscriberBuffer)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(sub)
		return sub
	}
	h.subs[channel] = append(h.subs[channel], sub)
	return sub
}

// Functions returns the names the bridge has announced via registration
// records so far.
func (h *Host) Functions() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	names := make([]string, 0, len(h.functions))
	for name := range h.functions {
		names = append(names, name)
	}
	return names
}

// Close sends the exit sentinel, tears the host down, and reaps the bridge
// process if this host spawned it.
func (h *Host) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		<-h.done
		return nil
	}
	h.mu.Unlock()

	writeErr := h.writer.WriteRecord(wire.ExitSentinel)
	h.teardown()

	if h.cmd != nil {
		if err := h.cmd.Wait(); err != nil && writeErr == nil {
			writeErr = fmt.Errorf("bridge process: %w", err)
		}
	}
	return writeErr
}

// Done returns a channel closed once the host has shut down.
func (h *Host) Done() <-chan struct{} {
	return h.done
}

// readLoop consumes bridge records until the stream ends or the bridge
// announces its exit. Records that decode to nothing are dropped; the
// bridge's stdout carries only protocol records.
func (h *Host) readLoop(r io.Reader) {
	rr := wire.NewRecordReader(r)
	for {
		record, err := rr.ReadRecord()
		if err != nil {
			h.teardown()
			return
		}

		event, err := wire.DecodeOutbound(record)
		if err != nil {
			continue
		}

		switch event.Type {
		case wire.EventFunctionResponse:
			h.mu.Lock()
			response, exists := h.pending[event.CallID]
			if exists {
				delete(h.pending, event.CallID)
			}
			h.mu.Unlock()
			if exists {
				response <- event.Result
			}

		case wire.EventChannelSend:
			h.mu.Lock()
			subs := h.subs[event.Channel]
			h.mu.Unlock()
			for _, sub := range subs {
				select {
				case sub <- event.Data:
				default:
					// Subscriber backlog full; delivery dropped.
				}
			}

		case wire.EventFunctionRegistered:
			h.mu.Lock()
			h.functions[event.Name] = true
			h.mu.Unlock()

		case wire.EventExit:
			h.teardown()
			return
		}
	}
}

// teardown closes pending calls and subscriptions exactly once.
func (h *Host) teardown() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	pending := h.pending
	subs := h.subs
	h.pending = make(map[string]chan string)
	h.subs = make(map[string][]chan string)
	h.mu.Unlock()

	for _, response := range pending {
		close(response)
	}
	for _, channelSubs := range subs {
		for _, sub := range channelSubs {
			close(sub)
		}
	}
	close(h.done)
}
