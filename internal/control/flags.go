// Package control holds the process-wide watch flags shared by the detector,
// the queue, the session watcher and the decision protocol.
package control

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Flags are the global watch switches. The zero value is ready to use.
type Flags struct {
	listSuspended atomic.Bool
	roomSuspended atomic.Bool
	roomActive    atomic.Bool
	actuatorBusy  atomic.Int32
	manualPause   atomic.Bool

	actuatorOnce sync.Once
	actuator     *semaphore.Weighted

	mu   sync.Mutex
	room *RoomRun
}

func (f *Flags) ListWatchSuspended() bool { return f.listSuspended.Load() || f.manualPause.Load() }
func (f *Flags) RoomWatchSuspended() bool { return f.roomSuspended.Load() }
func (f *Flags) RoomWatchActive() bool { return f.roomActive.Load() }
func (f *Flags) ActuatorBusy() bool { return f.actuatorBusy.Load() > 0 }

// SuspendListWatch stops the change detector while a room is being handled.
func (f *Flags) SuspendListWatch() { f.listSuspended.Store(true) }

// ResumeListWatch lets the change detector poll again.
func (f *Flags) ResumeListWatch() { f.listSuspended.Store(false) }

// Pause is the manual override: it only suspends the list watch, and stays in
// effect until Resume regardless of what the automation does.
func (f *Flags) Pause() { f.manualPause.Store(true) }
func (f *Flags) Resume() { f.manualPause.Store(false) }
func (f *Flags) Paused() bool { return f.manualPause.Load() }

// HoldActuator marks the actuator busy until the returned func is called,
// without taking it. It spans multi-sequence work such as a paced reply so
// watchers skip the gaps between sequences. Holds nest; release is idempotent.
func (f *Flags) HoldActuator() (release func()) {
	f.actuatorBusy.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() { f.actuatorBusy.Add(-1) })
	}
}

// AcquireActuator takes the actuator exclusively. Every composite input
// sequence runs under it so two sequences never interleave on the screen.
// The actuator reads busy while held. release is idempotent.
func (f *Flags) AcquireActuator(ctx context.Context) (release func(), err error) {
	f.actuatorOnce.Do(func() { f.actuator = semaphore.NewWeighted(1) })
	if err := f.actuator.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	f.actuatorBusy.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() {
			f.actuatorBusy.Add(-1)
			f.actuator.Release(1)
		})
	}, nil
}

// BeginRoomWatch marks key as the open room and returns its run handle.
// A run still registered for another key is stopped first.
func (f *Flags) BeginRoomWatch(key string) *RoomRun {
	run := &RoomRun{flags: f, key: key, done: make(chan struct{})}

	f.mu.Lock()
	prev := f.room
	f.room = run
	f.mu.Unlock()

	if prev != nil {
		prev.Stop()
	}
	f.roomSuspended.Store(false)
	f.roomActive.Store(true)
	return run
}

// ActiveRoom returns the key of the open room, "" if none.
func (f *Flags) ActiveRoom() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.room == nil {
		return ""
	}
	return f.room.key
}

// StopRoomWatch stops the run for key and clears RoomWatchActive at once,
// without waiting for the watcher to notice. It reports false if key is not
// the open room.
func (f *Flags) StopRoomWatch(key string) bool {
	f.mu.Lock()
	run := f.room
	if run == nil || run.key != key {
		f.mu.Unlock()
		return false
	}
	f.room = nil
	f.roomSuspended.Store(true)
	f.roomActive.Store(false)
	f.mu.Unlock()

	run.Stop()
	return true
}

// RoomRun is one session watch. End must be called on every exit path.
type RoomRun struct {
	flags *Flags
	key   string

	stopOnce sync.Once
	done     chan struct{}
	endOnce  sync.Once
}

func (r *RoomRun) Key() string { return r.key }

// Stopped is closed once Stop has been called.
func (r *RoomRun) Stopped() <-chan struct{} { return r.done }

// Stop asks the watcher to exit. Safe to call repeatedly.
func (r *RoomRun) Stop() {
	r.stopOnce.Do(func() { close(r.done) })
}

// End unregisters the run and clears RoomWatchActive if it is still current.
func (r *RoomRun) End() {
	r.endOnce.Do(func() {
		r.Stop()
		f := r.flags
		f.mu.Lock()
		current := f.room == r
		if current {
			f.room = nil
		}
		f.mu.Unlock()
		if current {
			f.roomActive.Store(false)
		}
	})
}
