package logger

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitechdev/ChatMux/pkg/errortracking"
)

func withTracker(t *testing.T) *errortracking.MemoryProvider {
	t.Helper()
	tracker := errortracking.NewMemoryProvider()
	InitErrorTracking(tracker)
	t.Cleanup(func() { InitErrorTracking(nil) })
	return tracker
}

func TestWarnAndErrorReachTracker(t *testing.T) {
	tracker := withTracker(t)

	Info("not tracked %d", 1)
	Warn("slow ack for %s", "m1")
	Error("receipt failed: %v", errors.New("boom"))

	events := tracker.Events()
	require.Len(t, events, 2)
	assert.Equal(t, errortracking.SeverityWarning, events[0].Severity)
	assert.Equal(t, "slow ack for m1", events[0].Message)
	assert.Equal(t, errortracking.SeverityError, events[1].Severity)
	assert.Equal(t, "receipt failed: boom", events[1].Message)
}

func TestCaptureError(t *testing.T) {
	tracker := withTracker(t)

	CaptureError(context.Background(), nil, nil)
	assert.Empty(t, tracker.Events())

	err := errors.New("mark read failed")
	CaptureError(context.Background(), err, map[string]interface{}{"room": "42"})
	events := tracker.Events()
	require.Len(t, events, 1)
	assert.ErrorIs(t, events[0].Err, err)
	assert.Equal(t, "42", events[0].Extra["room"])
}

func TestCatchPanic(t *testing.T) {
	tracker := withTracker(t)

	var recovered any
	func() {
		defer CatchPanicCallback("handler", func(err any) { recovered = err })
		panic("bad frame")
	}()
	assert.Equal(t, "bad frame", recovered)

	func() {
		defer CatchPanic("listener")
		panic("again")
	}()

	var panics int
	for _, ev := range tracker.Events() {
		if ev.Panic {
			panics++
		}
	}
	assert.Equal(t, 2, panics)
}

func TestHandlePanic(t *testing.T) {
	withTracker(t)

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = HandlePanic("Dispatch", r)
			}
		}()
		panic("oops")
	}()
	assert.EqualError(t, err, "panic in Dispatch: oops")
}

func TestUpdateLoggerPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chatmux.log")
	UpdateLoggerPath(path, false)
	t.Cleanup(func() { Init(true) })

	Info("written to %s", "file")
	Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "written to file")
}
