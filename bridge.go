// Package nodebridge implements the Go side of a stdio bridge: a child
// process exposes named functions and one-shot channels to the parent
// process that spawned it, over newline-delimited records on stdin/stdout.
//
// A Bridge reads peer records from its input stream, routes channel
// deliveries to pending Receive calls, reassembles chunked function
// arguments, and runs registered handlers on their own workers. All
// correlation state is owned by a single dispatcher goroutine; the only
// shared resource is the output stream, guarded by one write lock.
//
// There is at most one bridge per process in the intended deployment, since
// it owns the process's stdin and stdout.
//
// Example:
//
//	bridge := nodebridge.New()
//	bridge.Register("addition", nodebridge.Typed(func(args []int, _ any) int {
//		return args[0] + args[1]
//	}), nil)
//	greeting, err := bridge.Receive(context.Background(), "channel_a")
//	bridge.Send("channel_foo", "bar")
//	bridge.Wait(context.Background())
package nodebridge

import (
	"context"
	"errors"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/machinefabric/nodebridge-go/wire"
)

// ErrBridgeClosed is returned by Send, Receive and the registration calls
// once the bridge has shut down. It is the only user-facing error kind the
// bridge produces on its own; protocol noise is absorbed silently.
var ErrBridgeClosed = errors.New("nodebridge: bridge is closed")

// Config holds the tunable knobs of a Bridge.
type Config struct {
	Input  io.Reader
	Output io.Writer

	// StaleCallTimeout drops chunked calls whose final chunk never arrives
	// after this long. Zero keeps such calls pending until the bridge
	// closes, which is the original protocol behavior.
	StaleCallTimeout time.Duration

	// Diagnostics receives operational messages (dropped records, write
	// failures). The wire itself never carries diagnostics.
	Diagnostics io.Writer
}

// Option is a functional option for configuring a Bridge.
type Option func(*Config)

// WithStreams replaces the bridge's stdin/stdout with the given streams.
func WithStreams(r io.Reader, w io.Writer) Option {
	return func(c *Config) {
		c.Input = r
		c.Output = w
	}
}

// WithStaleCallTimeout enables dropping of chunked calls that never receive
// their final chunk.
func WithStaleCallTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.StaleCallTimeout = d
	}
}

// WithDiagnostics redirects diagnostic output away from stderr.
func WithDiagnostics(w io.Writer) Option {
	return func(c *Config) {
		c.Diagnostics = w
	}
}

// HandlerFunc is the signature of a registered function. It receives the
// call's argument strings in wire order (without the call id) and the
// passData supplied at registration. A non-nil error drops the invocation:
// no response record is written, because the peer has no generic way to
// observe a failure.
type HandlerFunc func(args []string, passData any) (string, error)

// Bridge is the per-process object coordinating all cross-process
// communication. Create one with New; it is live until Close is called or
// the peer sends the exit sentinel.
type Bridge struct {
	writer *wire.RecordWriter
	inbox  chan command
	done   chan struct{}
	closed atomic.Bool

	staleTimeout time.Duration
	diag         io.Writer
}

// New creates a bridge and starts its reader and dispatcher. By default it
// attaches to os.Stdin and os.Stdout.
func New(opts ...Option) *Bridge {
	cfg := Config{
		Input:       os.Stdin,
		Output:      os.Stdout,
		Diagnostics: os.Stderr,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	b := &Bridge{
		writer:       wire.NewRecordWriter(cfg.Output),
		inbox:        make(chan command, 64),
		done:         make(chan struct{}),
		staleTimeout: cfg.StaleCallTimeout,
		diag:         cfg.Diagnostics,
	}

	go b.dispatch()
	go b.readLoop(cfg.Input)

	return b
}

// Send sends data through the named channel to the peer. The record is
// written immediately, with no buffering.
func (b *Bridge) Send(channel, data string) error {
	if b.closed.Load() {
		return ErrBridgeClosed
	}
	return b.writer.WriteEvent(wire.NewChannelSend(channel, data))
}

// Receive waits for the next delivery on the named channel. Registering a
// receive for a channel that already has one replaces the earlier waiter;
// the earlier call completes with ErrBridgeClosed only when the bridge
// closes. Cancelling ctx abandons the wait but leaves the waiter registered.
func (b *Bridge) Receive(ctx context.Context, channel string) (string, error) {
	if b.closed.Load() {
		return "", ErrBridgeClosed
	}

	waiter := make(chan string, 1)
	select {
	case b.inbox <- command{kind: cmdWaiter, channel: channel, waiter: waiter}:
	case <-b.done:
		return "", ErrBridgeClosed
	}

	select {
	case payload, ok := <-waiter:
		if !ok {
			return "", ErrBridgeClosed
		}
		return payload, nil
	case <-ctx.Done():
		return "", ctx.Err()
	case <-b.done:
		// A fulfillment may have raced the shutdown.
		select {
		case payload, ok := <-waiter:
			if ok {
				return payload, nil
			}
		default:
		}
		return "", ErrBridgeClosed
	}
}

// Register installs a synchronous function the peer can call by name.
// Invocations of the same function run one at a time, in arrival order.
// Registering a name twice silently replaces the earlier handler. passData
// is handed unchanged to every invocation.
func (b *Bridge) Register(name string, handler HandlerFunc, passData any) error {
	return b.register(name, handler, passData, false)
}

// RegisterAsync installs a function whose invocations each run on their own
// goroutine. Responses for the same function may be written out of
// call-arrival order; the peer correlates responses by call id, not order.
func (b *Bridge) RegisterAsync(name string, handler HandlerFunc, passData any) error {
	return b.register(name, handler, passData, true)
}

func (b *Bridge) register(name string, handler HandlerFunc, passData any, async bool) error {
	if b.closed.Load() {
		return ErrBridgeClosed
	}
	if err := b.writer.WriteEvent(wire.NewFunctionRegistered(name)); err != nil {
		return err
	}

	fn := &function{
		name:     name,
		queue:    newArgQueue(),
		handler:  handler,
		passData: passData,
		async:    async,
	}
	go fn.run(b)

	select {
	case b.inbox <- command{kind: cmdFunction, name: name, fn: fn}:
		return nil
	case <-b.done:
		fn.queue.close()
		return ErrBridgeClosed
	}
}

// IsClosed reports whether the bridge has shut down. It is a point-in-time
// check; the bridge may close immediately after it returns false.
func (b *Bridge) IsClosed() bool {
	return b.closed.Load()
}

// Close emits the exit record, shuts the bridge down, and waits until the
// dispatcher has torn down. Closing an already-closed bridge is a no-op.
func (b *Bridge) Close() error {
	var writeErr error
	if !b.closed.Load() {
		writeErr = b.writer.WriteEvent(wire.NewExit())
	}

	select {
	case b.inbox <- command{kind: cmdShutdown}:
	case <-b.done:
	}
	<-b.done
	return writeErr
}

// Wait blocks until the bridge closes (from either side) or ctx is done.
func (b *Bridge) Wait(ctx context.Context) error {
	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done returns a channel that is closed when the bridge has shut down.
func (b *Bridge) Done() <-chan struct{} {
	return b.done
}

// readLoop is the blocking reader thread: one record at a time, forwarded
// raw to the dispatcher. EOF and read errors are treated as a remote
// shutdown. The loop also stops itself after forwarding the exit sentinel.
func (b *Bridge) readLoop(r io.Reader) {
	rr := wire.NewRecordReader(r)
	for {
		record, err := rr.ReadRecord()
		if err != nil {
			select {
			case b.inbox <- command{kind: cmdShutdown}:
			case <-b.done:
			}
			return
		}

		select {
		case b.inbox <- command{kind: cmdRecord, record: record}:
		case <-b.done:
			return
		}

		if record == wire.ExitSentinel {
			return
		}
	}
}
