package peer

import (
	"bufio"
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/machinefabric/nodebridge-go/wire"
)

// testHost attaches a host to in-memory pipes. The returned feed function
// plays records as if the bridge had written them; lines carries everything
// the host writes toward the bridge.
func testHost(t *testing.T) (h *Host, feed func(*wire.Event), lines chan string) {
	t.Helper()

	outR, outW := io.Pipe()
	inR, inW := io.Pipe()

	h = Attach(outR, inW)

	lines = make(chan string, 64)
	go func() {
		scanner := bufio.NewScanner(inR)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	feed = func(e *wire.Event) {
		_, err := io.WriteString(outW, wire.EncodeOutbound(e)+"\n")
		assert.NoError(t, err)
	}

	t.Cleanup(func() {
		outW.Close()
		inR.Close()
	})
	return h, feed, lines
}

func nextLine(t *testing.T, lines chan string) string {
	t.Helper()
	select {
	case line := <-lines:
		return line
	case <-time.After(2 * time.Second):
		t.Fatal("no record written within timeout")
		return ""
	}
}

func TestCallNoArguments(t *testing.T) {
	h, feed, lines := testHost(t)

	done := make(chan string, 1)
	go func() {
		result, err := h.Call(context.Background(), "ping")
		assert.NoError(t, err)
		done <- result
	}()

	line := nextLine(t, lines)
	msg, err := wire.DecodeInbound(line)
	require.NoError(t, err)
	assert.Equal(t, wire.MessageFunctionInvoke, msg.Type)
	assert.Equal(t, "ping", msg.Function)
	assert.True(t, msg.NoArg)
	assert.True(t, msg.Final)

	feed(wire.NewFunctionResponse(msg.CallID, "pong"))
	assert.Equal(t, "pong", <-done)
}

func TestCallSingleArgumentTravelsInline(t *testing.T) {
	h, feed, lines := testHost(t)

	done := make(chan string, 1)
	go func() {
		result, err := h.Call(context.Background(), "echo", "hello")
		assert.NoError(t, err)
		done <- result
	}()

	line := nextLine(t, lines)
	msg, err := wire.DecodeInbound(line)
	require.NoError(t, err)
	assert.Equal(t, "echo", msg.Function)
	assert.Equal(t, "hello", msg.Arg)
	assert.True(t, msg.Final)

	feed(wire.NewFunctionResponse(msg.CallID, "hello"))
	assert.Equal(t, "hello", <-done)
}

func TestCallManyArgumentsChunked(t *testing.T) {
	h, feed, lines := testHost(t)

	go func() {
		_, err := h.Call(context.Background(), "join", "a", "b", "c")
		assert.NoError(t, err)
	}()

	first, err := wire.DecodeInbound(nextLine(t, lines))
	require.NoError(t, err)
	assert.Equal(t, wire.MessageFunctionInvoke, first.Type)
	assert.Equal(t, "a", first.Arg)
	assert.False(t, first.Final)

	second, err := wire.DecodeInbound(nextLine(t, lines))
	require.NoError(t, err)
	assert.Equal(t, wire.MessageParamChunk, second.Type)
	assert.Equal(t, first.CallID, second.CallID)
	assert.Equal(t, "b", second.Chunk)
	assert.False(t, second.Final)

	third, err := wire.DecodeInbound(nextLine(t, lines))
	require.NoError(t, err)
	assert.Equal(t, "c", third.Chunk)
	assert.True(t, third.Final)

	feed(wire.NewFunctionResponse(first.CallID, "abc"))
}

func TestCallContextCancellation(t *testing.T) {
	h, _, lines := testHost(t)

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		_, err := h.Call(ctx, "slow")
		errs <- err
	}()
	nextLine(t, lines)

	cancel()
	assert.ErrorIs(t, <-errs, context.Canceled)
}

func TestNotifyWritesChannelDelivery(t *testing.T) {
	h, _, lines := testHost(t)

	require.NoError(t, h.Notify("updates", "payload"))

	msg, err := wire.DecodeInbound(nextLine(t, lines))
	require.NoError(t, err)
	assert.Equal(t, wire.MessageChannelDelivery, msg.Type)
	assert.Equal(t, "updates", msg.Channel)
	assert.Equal(t, "payload", msg.Payload)
}

func TestOnReceivesChannelSends(t *testing.T) {
	h, feed, _ := testHost(t)

	sub := h.On("events")
	feed(wire.NewChannelSend("events", "one"))
	feed(wire.NewChannelSend("other", "ignored"))
	feed(wire.NewChannelSend("events", "two"))

	assert.Equal(t, "one", <-sub)
	assert.Equal(t, "two", <-sub)
}

func TestFunctionsTracksRegistrations(t *testing.T) {
	h, feed, _ := testHost(t)

	assert.Empty(t, h.Functions())

	feed(wire.NewFunctionRegistered("addition"))
	feed(wire.NewFunctionRegistered("find_longer"))

	require.Eventually(t, func() bool {
		return len(h.Functions()) == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.ElementsMatch(t, []string{"addition", "find_longer"}, h.Functions())
}

func TestCloseTearsDownPendingAndSubscriptions(t *testing.T) {
	h, _, _ := testHost(t)

	sub := h.On("events")

	errs := make(chan error, 1)
	go func() {
		_, err := h.Call(context.Background(), "never")
		errs <- err
	}()
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, h.Close())

	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("host did not shut down")
	}
	assert.ErrorIs(t, <-errs, ErrHostClosed)
	_, open := <-sub
	assert.False(t, open)

	_, err := h.Call(context.Background(), "anything")
	assert.ErrorIs(t, err, ErrHostClosed)
	assert.ErrorIs(t, h.Notify("c", "d"), ErrHostClosed)
}

func TestBridgeExitTearsDown(t *testing.T) {
	h, feed, _ := testHost(t)

	sub := h.On("events")
	feed(wire.NewExit())

	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("host did not observe the exit record")
	}
	_, open := <-sub
	assert.False(t, open)
}

func TestOnAfterCloseReturnsClosedChannel(t *testing.T) {
	h, _, _ := testHost(t)

	require.NoError(t, h.Close())
	<-h.Done()

	sub := h.On("late")
	_, open := <-sub
	assert.False(t, open)
}

func TestCloseIsIdempotent(t *testing.T) {
	h, _, lines := testHost(t)

	require.NoError(t, h.Close())
	assert.Equal(t, wire.ExitSentinel, nextLine(t, lines))
	require.NoError(t, h.Close())
}
