package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/bcibot/internal/channel"
	"github.com/mattjoyce/bcibot/internal/protocol"
)

func TestHub_BacklogDropsOldest(t *testing.T) {
	h := NewHub(3)
	for i := 0; i < 5; i++ {
		h.Publish(TypeChannelIdle, map[string]int{"n": i})
	}

	all := h.SnapshotSince(0, nil)
	require.Len(t, all, 3)
	assert.Equal(t, int64(3), all[0].ID)
	assert.Equal(t, int64(5), all[2].ID)

	since := h.SnapshotSince(4, nil)
	require.Len(t, since, 1)
	assert.JSONEq(t, `{"n":4}`, string(since[0].Data))
}

func TestHub_ChannelFilter(t *testing.T) {
	h := NewHub(8)
	obs := NewObserver(h)
	gripper, cancel := h.Subscribe(ForChannel(protocol.Gripper))
	defer cancel()

	obs.ChannelIdle(protocol.Move)
	obs.CommandQueued(channel.Command{ID: "g1", Channel: protocol.Gripper, Payload: "open"})
	obs.Report("Camera connection error")
	obs.StateChanged(protocol.Speak, channel.StateClosing)

	var got []int64
	for len(got) < 2 {
		select {
		case ev := <-gripper:
			got = append(got, ev.ID)
		case <-time.After(time.Second):
			t.Fatalf("feed stalled after %v", got)
		}
	}
	assert.Equal(t, []int64{2, 3}, got)
	select {
	case ev := <-gripper:
		t.Fatalf("unexpected event %d %s", ev.ID, ev.Type)
	default:
	}

	replay := h.SnapshotSince(0, ForChannel(protocol.Speak))
	require.Len(t, replay, 2)
	assert.Equal(t, TypeSinkReport, replay[0].Type)
	assert.Equal(t, TypeChannelState, replay[1].Type)
}

func TestHub_SubscribeAndCancel(t *testing.T) {
	h := NewHub(10)
	ch, cancel := h.Subscribe(nil)

	h.Publish(TypeCommandQueued, nil)
	select {
	case ev := <-ch:
		assert.Equal(t, TypeCommandQueued, ev.Type)
		assert.JSONEq(t, `{}`, string(ev.Data))
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}

	cancel()
	_, ok := <-ch
	assert.False(t, ok, "cancel closes the feed")
	cancel()
}

func TestHub_SlowSubscriberDoesNotBlock(t *testing.T) {
	h := NewHub(0)
	_, cancel := h.Subscribe(nil)
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*2; i++ {
			h.Publish(TypeCommandSent, nil)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}

func TestHub_Close(t *testing.T) {
	h := NewHub(4)
	ch, _ := h.Subscribe(nil)
	h.Close()

	_, ok := <-ch
	assert.False(t, ok)

	late, _ := h.Subscribe(nil)
	_, ok = <-late
	assert.False(t, ok, "subscriptions after close are already closed")
	h.Close()
}

func TestObserver_PublishesCommandLifecycle(t *testing.T) {
	h := NewHub(16)
	obs := NewObserver(h)

	cmd := channel.Command{ID: "c1", Channel: protocol.Gripper, Payload: "open"}
	start := time.Now()
	obs.CommandQueued(cmd)
	obs.CommandSent(cmd)
	obs.CommandCompleted(channel.Result{
		Command:     cmd,
		Outcome:     channel.OutcomeRejected,
		Reply:       "error: jam",
		Err:         &channel.Error{Kind: channel.KindProtocol, Channel: protocol.Gripper, Reply: "error: jam"},
		StartedAt:   start,
		CompletedAt: start.Add(40 * time.Millisecond),
	})
	obs.ChannelIdle(protocol.Gripper)
	obs.StateChanged(protocol.Gripper, channel.StateClosing)
	obs.Report("Gripper protocol error: error: jam")

	evs := h.SnapshotSince(0, nil)
	types := make([]string, 0, len(evs))
	for _, ev := range evs {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []string{
		TypeCommandQueued, TypeCommandSent, TypeCommandFailed,
		TypeChannelIdle, TypeChannelState, TypeSinkReport,
	}, types)

	var failed CommandData
	require.NoError(t, json.Unmarshal(evs[2].Data, &failed))
	assert.Equal(t, protocol.Gripper, failed.Channel)
	assert.Equal(t, "rejected", failed.Outcome)
	assert.Equal(t, int64(40), failed.DurationMS)
	assert.Contains(t, failed.Error, "Gripper protocol error")

	var state ChannelData
	require.NoError(t, json.Unmarshal(evs[4].Data, &state))
	assert.Equal(t, "closing", state.State)
}

func TestChannelOf(t *testing.T) {
	h := NewHub(8)
	obs := NewObserver(h)
	obs.ChannelIdle(protocol.Camera)
	obs.CommandQueued(channel.Command{ID: "c1", Channel: protocol.Speak, Payload: "hi"})
	obs.Report("dispatch: command too short")
	h.Publish(TypeChannelIdle, map[string]int{"n": 1})

	evs := h.SnapshotSince(0, nil)
	require.Len(t, evs, 4)

	tag, ok := ChannelOf(evs[0])
	assert.True(t, ok)
	assert.Equal(t, protocol.Camera, tag)

	tag, ok = ChannelOf(evs[1])
	assert.True(t, ok)
	assert.Equal(t, protocol.Speak, tag)

	_, ok = ChannelOf(evs[2])
	assert.False(t, ok)
	_, ok = ChannelOf(evs[3])
	assert.False(t, ok)
}
