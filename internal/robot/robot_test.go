package robot

import (
	"context"
	"errors"
	"math"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/bcibot/internal/config"
	"github.com/mattjoyce/bcibot/internal/dispatch"
	"github.com/mattjoyce/bcibot/internal/log"
	"github.com/mattjoyce/bcibot/internal/protocol"
	"github.com/mattjoyce/bcibot/internal/simulator"
	"github.com/mattjoyce/bcibot/internal/sink"
	"github.com/mattjoyce/bcibot/internal/status"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR")
	os.Exit(m.Run())
}

// fakeDispatcher records sends and waits in call order.
type fakeDispatcher struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeDispatcher) SendCommand(raw string) {
	f.mu.Lock()
	f.calls = append(f.calls, raw)
	f.mu.Unlock()
}

func (f *fakeDispatcher) WaitFor(_ context.Context, target status.Target) error {
	f.mu.Lock()
	f.calls = append(f.calls, "wait "+target.String())
	f.mu.Unlock()
	return f.err
}

func (f *fakeDispatcher) take() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.calls
	f.calls = nil
	return out
}

func newRobot(t *testing.T) (*Robot, *fakeDispatcher) {
	t.Helper()
	f := &fakeDispatcher{}
	r := New(f)
	require.Equal(t, []string{"ER1 set m 1\n", "ER1 set t 1\n"}, f.take())
	return r, f
}

func TestMovementWaitsForAllChannels(t *testing.T) {
	r, f := newRobot(t)
	ctx := context.Background()

	require.NoError(t, r.Move(ctx, Forward))
	require.NoError(t, r.MoveBy(ctx, Backward, 2, Feet))
	require.NoError(t, r.MoveBy(ctx, Right, math.Pi/2+0.001, Radians))
	require.NoError(t, r.Turn(ctx, 45, ""))

	assert.Equal(t, []string{
		"wait all done", "ER1 move forward\n",
		"wait all done", "ER1 move backward 24\n",
		"wait all done", "ER1 move right 90\n",
		"wait all done", "ER1 move left 45\n",
	}, f.take())
}

func TestTravelPicksMoveOrTurn(t *testing.T) {
	r, f := newRobot(t)
	r.EnableMultitasking()
	ctx := context.Background()

	require.NoError(t, r.Travel(ctx, 100, Centimeters))
	require.NoError(t, r.Travel(ctx, 30, Degrees))
	require.NoError(t, r.Travel(ctx, 10, ""))

	assert.Equal(t, []string{"ER1 move forward 39\n", "ER1 move left 30\n", "ER1 move forward 10\n"}, f.take())
}

func TestUnitMismatchIsAnError(t *testing.T) {
	r, f := newRobot(t)
	err := r.MoveBy(context.Background(), Left, 3, Meters)
	assert.Error(t, err)
	assert.Empty(t, f.take())
}

func TestDefaultUnits(t *testing.T) {
	r, f := newRobot(t)
	r.EnableMultitasking()

	require.NoError(t, r.SetDefaultUnits("FEET"))
	require.NoError(t, r.SetDefaultUnits("radians"))
	assert.Error(t, r.SetDefaultUnits("furlongs"))

	dist, ang := r.DefaultUnits()
	assert.Equal(t, Feet, dist)
	assert.Equal(t, Radians, ang)

	ctx := context.Background()
	require.NoError(t, r.MoveBy(ctx, Forward, 1.5, ""))
	require.NoError(t, r.MoveBy(ctx, Right, math.Pi+0.001, ""))
	assert.Equal(t, []string{"ER1 move forward 18\n", "ER1 move right 180\n"}, f.take())
}

func TestArcs(t *testing.T) {
	r, f := newRobot(t)
	r.EnableMultitasking()
	ctx := context.Background()

	require.NoError(t, r.ArcForward(ctx, 12))
	require.NoError(t, r.ArcBackward(ctx, 6.9))
	require.NoError(t, r.ArcAngle(ctx, 10, 90))
	// A quarter of the circumference is 90 degrees.
	require.NoError(t, r.ArcDistance(ctx, 20, math.Pi*10+0.01))
	assert.Error(t, r.ArcDistance(ctx, 0, 5))

	assert.Equal(t, []string{
		"ER1 f cont arc 12\n",
		"ER1 b cont arc 6\n",
		"ER1 arc 10 90\n",
		"ER1 arc 20 90\n",
	}, f.take())
}

func TestSpeedAndStopDoNotWait(t *testing.T) {
	r, f := newRobot(t)
	r.IncreaseSpeed()
	r.DecreaseSpeed()
	r.SetMovementSpeed(HighSpeed)
	r.SetTurningSpeed(MediumSpeed)
	r.Stop()

	assert.Equal(t, []string{
		"ER1 increase speed\n",
		"ER1 decrease speed\n",
		"ER1 set m 5\n",
		"ER1 set t 3\n",
		"ER1 stop \n",
	}, f.take())
}

func TestLinkedMovements(t *testing.T) {
	r, f := newRobot(t)
	ctx := context.Background()

	r.BeginLinked()
	require.NoError(t, r.MoveBy(ctx, Forward, 10, Inches))
	require.NoError(t, r.MoveBy(ctx, Left, 90, Degrees))
	r.OpenGripper()
	r.EndLinked()
	assert.Equal(t, []string{"move forward 10", "move left 90"}, r.Linked())

	r.SendLinked()
	assert.Equal(t, []string{
		"GRP gripper open\n",
		"ER1 link move forward 10|move left 90|stop \n",
	}, f.take())
	assert.Empty(t, r.Linked())
}

func TestSpeakAndCamera(t *testing.T) {
	r, f := newRobot(t)
	ctx := context.Background()

	require.NoError(t, r.Speak(ctx, "hello world"))
	require.NoError(t, r.RequestPicture(ctx, ""))
	require.NoError(t, r.RequestPicture(ctx, "10.0.0.5"))
	r.CloseGripper()
	r.StopGripper()

	assert.Equal(t, []string{
		"wait all done", "SPK speak \"hello world\"\n",
		"wait all done", "CAM grab image\n",
		"wait all done", "CAM 10.0.0.5 grab image\n",
		"GRP gripper close\n",
		"GRP gripper stop\n",
	}, f.take())
}

func TestSpeakWaitsEvenWhileLinking(t *testing.T) {
	r, f := newRobot(t)
	r.BeginLinked()
	require.NoError(t, r.Speak(context.Background(), "hi"))
	assert.Equal(t, []string{"wait all done", "SPK speak \"hi\"\n"}, f.take())
}

func TestWaitErrorStopsCommand(t *testing.T) {
	r, f := newRobot(t)
	f.err = context.DeadlineExceeded

	err := r.Move(context.Background(), Forward)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, []string{"wait all done"}, f.take())
}

func TestWaitForTargets(t *testing.T) {
	r, f := newRobot(t)
	ctx := context.Background()

	for _, target := range []string{AllDone, MoveDone, SpeakDone, GripperDone, CameraDone} {
		require.NoError(t, r.WaitFor(ctx, target))
	}
	assert.Error(t, r.WaitFor(ctx, "lunch done"))
	assert.Equal(t, []string{
		"wait all done", "wait move done", "wait speak done", "wait gripper done", "wait camera done",
	}, f.take())
}

func TestConvert(t *testing.T) {
	tests := []struct {
		amount   float64
		from, to Unit
		want     float64
	}{
		{1, Feet, Inches, 12},
		{1, Meters, Inches, 39.3700787},
		{2.54, Centimeters, Inches, 1},
		{math.Pi, Radians, Degrees, 180},
		{24, Inches, Feet, 2},
	}
	for _, tt := range tests {
		got, err := Convert(tt.amount, tt.from, tt.to)
		require.NoError(t, err)
		assert.InDelta(t, tt.want, got, 1e-6, "%v %s -> %s", tt.amount, tt.from, tt.to)
	}

	_, err := Convert(1, Feet, Degrees)
	assert.Error(t, err)
	_, err = ParseUnit("parsecs")
	assert.Error(t, err)
}

func TestRobotAgainstSimulator(t *testing.T) {
	sim := simulator.New(nil)
	require.NoError(t, sim.Listen("127.0.0.1", nil))
	t.Cleanup(func() { sim.Close() })

	cfg := config.Defaults()
	for tag, port := range sim.Ports() {
		cfg.Robot.Ports.Set(tag, port)
	}
	cfg.Timing.KeepAliveDelay = time.Millisecond
	cfg.Timing.ClosePoll = 5 * time.Millisecond
	cfg.Timing.CloseGrace = time.Millisecond
	cfg.Timing.WaitPoll = 5 * time.Millisecond

	rec := &sink.Recorder{}
	d := dispatch.New(context.Background(), cfg, dispatch.WithSink(rec))
	r := New(d)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.MoveBy(ctx, Forward, 1, Feet))
	require.NoError(t, r.Speak(ctx, "arrived"))
	require.NoError(t, r.WaitFor(ctx, AllDone))
	require.NoError(t, d.Close(ctx))

	assert.Equal(t, []string{"set m 1", "set t 1", "move forward 12"}, sim.Received(protocol.Move))
	assert.Equal(t, []string{"speak \"arrived\""}, sim.Received(protocol.Speak))
	assert.Zero(t, rec.Len(), "reports: %v", rec.Reports())
}
