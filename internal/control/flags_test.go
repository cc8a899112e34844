package control

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHoldActuatorNests(t *testing.T) {
	var f Flags
	outer := f.HoldActuator()
	inner := f.HoldActuator()
	assert.True(t, f.ActuatorBusy())

	inner()
	inner()
	assert.True(t, f.ActuatorBusy(), "double release must not drop the outer hold")

	outer()
	assert.False(t, f.ActuatorBusy())
}

func TestAcquireActuatorIsExclusive(t *testing.T) {
	var f Flags
	first, err := f.AcquireActuator(context.Background())
	require.NoError(t, err)
	assert.True(t, f.ActuatorBusy())

	got := make(chan func(), 1)
	go func() {
		second, err := f.AcquireActuator(context.Background())
		if err == nil {
			got <- second
		}
	}()

	select {
	case <-got:
		t.Fatal("second acquire must wait for release")
	case <-time.After(50 * time.Millisecond):
	}

	first()
	first()
	var second func()
	select {
	case second = <-got:
	case <-time.After(time.Second):
		t.Fatal("second acquire did not proceed after release")
	}
	assert.True(t, f.ActuatorBusy())
	second()
	assert.False(t, f.ActuatorBusy())
}

func TestAcquireActuatorHonoursContext(t *testing.T) {
	var f Flags
	release, err := f.AcquireActuator(context.Background())
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = f.AcquireActuator(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, f.ActuatorBusy())
}

func TestHoldDoesNotBlockAcquire(t *testing.T) {
	var f Flags
	hold := f.HoldActuator()
	defer hold()

	release, err := f.AcquireActuator(context.Background())
	require.NoError(t, err)
	release()
	assert.True(t, f.ActuatorBusy(), "the outer hold still marks the actuator busy")
}

func TestRoomRunEndClearsActive(t *testing.T) {
	var f Flags
	run := f.BeginRoomWatch("엄마")
	assert.True(t, f.RoomWatchActive())
	assert.Equal(t, "엄마", f.ActiveRoom())

	run.End()
	assert.False(t, f.RoomWatchActive())
	assert.Equal(t, "", f.ActiveRoom())

	select {
	case <-run.Stopped():
	default:
		t.Fatal("End must stop the run")
	}
}

func TestStaleRunEndKeepsNewRun(t *testing.T) {
	var f Flags
	first := f.BeginRoomWatch("a")
	second := f.BeginRoomWatch("b")

	select {
	case <-first.Stopped():
	default:
		t.Fatal("starting a new run must stop the previous one")
	}

	first.End()
	assert.True(t, f.RoomWatchActive())
	assert.Equal(t, "b", f.ActiveRoom())

	second.End()
	assert.False(t, f.RoomWatchActive())
}

func TestStopRoomWatch(t *testing.T) {
	var f Flags
	run := f.BeginRoomWatch("a")

	assert.False(t, f.StopRoomWatch("b"))
	assert.True(t, f.StopRoomWatch("a"))
	assert.True(t, f.RoomWatchSuspended())
	assert.False(t, f.RoomWatchActive())
	assert.Empty(t, f.ActiveRoom())
	<-run.Stopped()

	run.End()
	assert.False(t, f.StopRoomWatch("a"))
}

func TestManualPause(t *testing.T) {
	var f Flags
	f.Pause()
	assert.True(t, f.ListWatchSuspended())

	f.ResumeListWatch()
	assert.True(t, f.ListWatchSuspended(), "automation resume must not lift a manual pause")

	f.Resume()
	assert.False(t, f.ListWatchSuspended())
}
