package sink

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	s := NewLogSink(slog.New(slog.NewJSONHandler(&buf, nil)))

	s.Report("Gripper protocol error: error: gripper jam")

	var out map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
	assert.Equal(t, "ERROR", out["level"])
	assert.Equal(t, "Gripper protocol error: error: gripper jam", out["msg"])
}

func TestTee(t *testing.T) {
	var a, b Recorder
	s := Tee(&a, nil, &b)

	s.Report("one")
	s.Report("two")

	assert.Equal(t, []string{"one", "two"}, a.Reports())
	assert.Equal(t, []string{"one", "two"}, b.Reports())
}

func TestRecorder_Concurrent(t *testing.T) {
	var r Recorder
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Report("x")
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, r.Len())
}

func TestFuncAndDiscard(t *testing.T) {
	var got string
	Func(func(text string) { got = text }).Report("hello")
	assert.Equal(t, "hello", got)

	Discard.Report("ignored")
}
