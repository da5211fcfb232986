package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/bcibot/internal/protocol"
	"github.com/mattjoyce/bcibot/internal/simulator"
	"github.com/mattjoyce/bcibot/internal/sink"
	"github.com/mattjoyce/bcibot/internal/status"
)

type recordingObserver struct {
	NopObserver
	mu        sync.Mutex
	queued    []string
	completed []Result
	idle      int
	states    []State
}

func (o *recordingObserver) CommandQueued(cmd Command) {
	o.mu.Lock()
	o.queued = append(o.queued, cmd.Payload)
	o.mu.Unlock()
}

func (o *recordingObserver) CommandCompleted(res Result) {
	o.mu.Lock()
	o.completed = append(o.completed, res)
	o.mu.Unlock()
}

func (o *recordingObserver) ChannelIdle(protocol.Tag) {
	o.mu.Lock()
	o.idle++
	o.mu.Unlock()
}

func (o *recordingObserver) StateChanged(_ protocol.Tag, s State) {
	o.mu.Lock()
	o.states = append(o.states, s)
	o.mu.Unlock()
}

func (o *recordingObserver) idleCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.idle
}

func (o *recordingObserver) results() []Result {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Result(nil), o.completed...)
}

func testOptions(reg *status.Registry, obs Observer) Options {
	return Options{
		DialTimeout:    time.Second,
		KeepAliveDelay: time.Millisecond,
		ReadTimeout:    2 * time.Second,
		ClosePoll:      5 * time.Millisecond,
		CloseGrace:     time.Millisecond,
		Registry:       reg,
		Observer:       obs,
	}
}

func startSim(t *testing.T, responder simulator.Responder) *simulator.Server {
	t.Helper()
	sim := simulator.New(responder)
	require.NoError(t, sim.Listen("127.0.0.1", nil))
	t.Cleanup(func() { sim.Close() })
	return sim
}

func addrOf(sim *simulator.Server, tag protocol.Tag) string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(sim.Port(tag)))
}

func waitDone(t *testing.T, reg *status.Registry, tag protocol.Tag) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, reg.WaitFor(ctx, status.For(tag)))
}

func closeChannel(t *testing.T, c *Channel) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Close(ctx))
}

func TestChannel_FIFOOrder(t *testing.T) {
	sim := startSim(t, nil)
	reg := status.NewRegistry(5 * time.Millisecond)
	c := New(context.Background(), protocol.Move, addrOf(sim, protocol.Move), sink.Discard, testOptions(reg, nil))

	want := make([]string, 0, 20)
	for i := 0; i < 20; i++ {
		p := fmt.Sprintf("forward %d", i)
		want = append(want, p)
		require.NoError(t, c.Enqueue(Command{ID: strconv.Itoa(i), Payload: p}))
	}

	closeChannel(t, c)
	assert.Equal(t, want, sim.Received(protocol.Move))
	assert.Equal(t, 20, sim.Probes(protocol.Move))

	st := c.Stats()
	assert.Equal(t, int64(20), st.Sent)
	assert.Zero(t, st.Failed)
	assert.Equal(t, StateClosed, st.State)
}

func TestChannel_TrailingNewlineFolded(t *testing.T) {
	sim := startSim(t, nil)
	reg := status.NewRegistry(5 * time.Millisecond)
	c := New(context.Background(), protocol.Speak, addrOf(sim, protocol.Speak), sink.Discard, testOptions(reg, nil))

	require.NoError(t, c.Enqueue(Command{Payload: "\"hello\"\n"}))
	closeChannel(t, c)

	assert.Equal(t, []string{"\"hello\""}, sim.Received(protocol.Speak))
}

func TestChannel_CompletionFlag(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	sim := startSim(t, func(protocol.Tag, string) simulator.Script {
		if calls.Add(1) == 1 {
			<-release
		}
		return simulator.Script{Reply: "done"}
	})

	reg := status.NewRegistry(5 * time.Millisecond)
	obs := &recordingObserver{}
	c := New(context.Background(), protocol.Gripper, addrOf(sim, protocol.Gripper), sink.Discard, testOptions(reg, obs))
	defer closeChannel(t, c)

	assert.True(t, reg.IsDone(protocol.Gripper), "idle channel starts done")

	require.NoError(t, c.Enqueue(Command{Payload: "open"}))
	require.NoError(t, c.Enqueue(Command{Payload: "close"}))
	require.NoError(t, c.Enqueue(Command{Payload: "open"}))
	assert.False(t, reg.IsDone(protocol.Gripper), "flag cleared by enqueue")

	time.Sleep(20 * time.Millisecond)
	assert.False(t, reg.IsDone(protocol.Gripper), "flag stays false while first command is on the wire")
	assert.False(t, c.Idle())

	close(release)
	waitDone(t, reg, protocol.Gripper)
	assert.Equal(t, 1, obs.idleCount(), "one idle per drain")
	assert.Len(t, obs.results(), 3)
	assert.True(t, c.Idle())
	for _, other := range []protocol.Tag{protocol.Move, protocol.Speak, protocol.Camera} {
		assert.True(t, reg.IsDone(other))
	}
}

func TestChannel_ProtocolErrorContinuesDrain(t *testing.T) {
	sim := startSim(t, func(_ protocol.Tag, cmd string) simulator.Script {
		if cmd == "grab" {
			return simulator.Script{KeepAlives: 1, Reply: "error: gripper jam"}
		}
		return simulator.Script{Reply: "done"}
	})
	reg := status.NewRegistry(5 * time.Millisecond)
	rec := &sink.Recorder{}
	obs := &recordingObserver{}
	c := New(context.Background(), protocol.Gripper, addrOf(sim, protocol.Gripper), rec, testOptions(reg, obs))

	require.NoError(t, c.Enqueue(Command{Payload: "grab"}))
	require.NoError(t, c.Enqueue(Command{Payload: "release"}))
	closeChannel(t, c)

	assert.Equal(t, []string{"grab", "release"}, sim.Received(protocol.Gripper))
	require.Equal(t, 1, rec.Len())
	report := rec.Reports()[0]
	assert.Contains(t, report, "Gripper")
	assert.Contains(t, report, "error: gripper jam")

	results := obs.results()
	require.Len(t, results, 2)
	assert.Equal(t, OutcomeRejected, results[0].Outcome)
	assert.Equal(t, 1, results[0].Probes)
	assert.True(t, IsKind(results[0].Err, KindProtocol))
	assert.Equal(t, OutcomeSucceeded, results[1].Outcome)

	st := c.Stats()
	assert.Equal(t, int64(1), st.Rejected)
	assert.Equal(t, int64(1), st.Sent)
}

func TestChannel_ConnectFailure(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	reg := status.NewRegistry(5 * time.Millisecond)
	rec := &sink.Recorder{}
	c := New(context.Background(), protocol.Camera, addr, rec, testOptions(reg, nil))

	assert.Equal(t, StateFailed, c.State())
	require.Equal(t, 1, rec.Len())
	assert.Contains(t, rec.Reports()[0], "Camera connection error")

	require.NoError(t, c.Enqueue(Command{Payload: "snap"}))
	waitDone(t, reg, protocol.Camera)
	closeChannel(t, c)

	require.Equal(t, 2, rec.Len())
	assert.Contains(t, rec.Reports()[1], "transmit error")
	assert.Equal(t, int64(1), c.Stats().Failed)
}

func TestChannel_EnqueueAfterClose(t *testing.T) {
	sim := startSim(t, nil)
	reg := status.NewRegistry(5 * time.Millisecond)
	rec := &sink.Recorder{}
	c := New(context.Background(), protocol.Speak, addrOf(sim, protocol.Speak), rec, testOptions(reg, nil))
	closeChannel(t, c)

	err := c.Enqueue(Command{Payload: "\"too late\""})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrClosed)
	assert.True(t, IsKind(err, KindRejected))
	assert.Equal(t, 1, rec.Len())
	assert.Empty(t, sim.Received(protocol.Speak))

	// Second close is a no-op.
	assert.NoError(t, c.Close(context.Background()))
}

func TestChannel_CloseWaitsForDrain(t *testing.T) {
	sim := startSim(t, func(protocol.Tag, string) simulator.Script {
		return simulator.Script{Delay: 30 * time.Millisecond, Reply: "done"}
	})
	reg := status.NewRegistry(5 * time.Millisecond)
	c := New(context.Background(), protocol.Move, addrOf(sim, protocol.Move), sink.Discard, testOptions(reg, nil))

	for i := 0; i < 3; i++ {
		require.NoError(t, c.Enqueue(Command{Payload: fmt.Sprintf("turn %d", i)}))
	}
	start := time.Now()
	closeChannel(t, c)

	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
	assert.Len(t, sim.Received(protocol.Move), 3)
	assert.Equal(t, int64(3), c.Stats().Sent)
}

func TestChannel_ForcedClose(t *testing.T) {
	sim := startSim(t, func(protocol.Tag, string) simulator.Script {
		return simulator.Script{Hang: true}
	})
	reg := status.NewRegistry(5 * time.Millisecond)
	rec := &sink.Recorder{}
	obs := &recordingObserver{}
	c := New(context.Background(), protocol.Move, addrOf(sim, protocol.Move), rec, testOptions(reg, obs))

	require.NoError(t, c.Enqueue(Command{Payload: "forward"}))
	require.NoError(t, c.Enqueue(Command{Payload: "back"}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := c.Close(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	results := obs.results()
	require.Len(t, results, 2)
	for _, res := range results {
		assert.Equal(t, OutcomeFailed, res.Outcome)
	}
	assert.True(t, reg.IsDone(protocol.Move))
	assert.Equal(t, StateClosed, c.State())
	assert.Equal(t, 2, rec.Len())
}

func TestChannel_Redial(t *testing.T) {
	var calls atomic.Int32
	sim := startSim(t, func(protocol.Tag, string) simulator.Script {
		if calls.Add(1) == 1 {
			return simulator.Script{Drop: true}
		}
		return simulator.Script{Reply: "done"}
	})
	reg := status.NewRegistry(5 * time.Millisecond)
	rec := &sink.Recorder{}
	opts := testOptions(reg, nil)
	opts.Redial = true
	c := New(context.Background(), protocol.Camera, addrOf(sim, protocol.Camera), rec, opts)

	require.NoError(t, c.Enqueue(Command{Payload: "snap"}))
	waitDone(t, reg, protocol.Camera)
	assert.Equal(t, StateFailed, c.State())

	require.NoError(t, c.Enqueue(Command{Payload: "snap"}))
	waitDone(t, reg, protocol.Camera)
	assert.Equal(t, StateConnected, c.State())

	closeChannel(t, c)
	st := c.Stats()
	assert.Equal(t, int64(1), st.Failed)
	assert.Equal(t, int64(1), st.Sent)
	assert.Equal(t, 1, rec.Len())
}

func TestChannel_ConcurrentProducers(t *testing.T) {
	sim := startSim(t, func(protocol.Tag, string) simulator.Script { return simulator.Script{Reply: "done"} })
	reg := status.NewRegistry(5 * time.Millisecond)
	c := New(context.Background(), protocol.Speak, addrOf(sim, protocol.Speak), sink.Discard, testOptions(reg, nil))

	const producers, each = 8, 25
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < each; i++ {
				_ = c.Enqueue(Command{Payload: fmt.Sprintf("p%d-%d", p, i)})
			}
		}(p)
	}
	wg.Wait()
	closeChannel(t, c)

	got := sim.Received(protocol.Speak)
	require.Len(t, got, producers*each)

	// Each producer's commands arrive in its own order, each exactly once.
	seen := make(map[string]bool, len(got))
	next := make(map[int]int)
	for _, line := range got {
		assert.False(t, seen[line], "duplicate %q", line)
		seen[line] = true
		var p, i int
		_, err := fmt.Sscanf(line, "p%d-%d", &p, &i)
		require.NoError(t, err)
		assert.Equal(t, next[p], i, "producer %d out of order", p)
		next[p] = i + 1
	}
}

func TestError_Text(t *testing.T) {
	err := &Error{Kind: KindProtocol, Channel: protocol.Gripper, Reply: "error: jam"}
	assert.Equal(t, "Gripper protocol error: error: jam", err.Error())

	wrapped := fmt.Errorf("outer: %w", &Error{Kind: KindTransmit, Channel: protocol.Move, Err: ErrNotConnected})
	assert.True(t, IsKind(wrapped, KindTransmit))
	assert.False(t, IsKind(wrapped, KindProtocol))
	assert.ErrorIs(t, wrapped, ErrNotConnected)
}

func TestStats_JSONRoundTrip(t *testing.T) {
	in := Stats{Channel: protocol.Gripper, Address: "127.0.0.1:9012", State: StateFailed, Done: true, Sent: 3}
	b, err := json.Marshal(in)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"state":"failed"`)

	var out Stats
	require.NoError(t, json.Unmarshal(b, &out))
	assert.Equal(t, in, out)

	var s State
	assert.Error(t, s.UnmarshalText([]byte("sleeping")))
}
