// bathycat-imager - GPS-tagged still capture for seabed survey rigs
//  Copyright (C) 2024, the BathyCat project
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

// Package timebase reconciles the monotonic clock with UTC so that
// camera frames can be stamped without paying a wall-clock read on the
// hot path, and so that driver-supplied CLOCK_MONOTONIC timestamps can
// be converted to UTC instants.
package timebase

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// A PPS source is considered locked if its last assert event is no
// older than this.
const ppsLockWindow = 2 * time.Second

// Offsets older than this are refreshed before use, bounding the
// drift a stamp can carry.
const resyncInterval = 5 * time.Minute

// TimeBase holds the offset between CLOCK_MONOTONIC and UTC. The
// offset is only trusted between syncs; callers resync periodically
// and immediately after any step of the system clock.
type TimeBase struct {
	mu           sync.Mutex
	offsetNs     int64 // UTC minus monotonic, in nanoseconds
	synced       bool
	lastSync     time.Time
	lastSyncMono int64

	ppsPath string // empty when no PPS source is configured

	// overridable for testing
	nowFunc  func() time.Time
	monoFunc func() int64
	readPPS  func() (time.Time, error)
}

// New returns an unsynced TimeBase. Call Sync before relying on Now
// for precise stamps; an unsynced TimeBase falls back to the wall
// clock.
func New() *TimeBase {
	return &TimeBase{
		nowFunc:  time.Now,
		monoFunc: monotonicNow,
	}
}

// NewWithPPS returns a TimeBase that refines its offset from a kernel
// PPS device (e.g. /sys/class/pps/pps0). PPS is a capability, not a
// requirement: if the device never asserts, behaviour is identical to
// a plain TimeBase.
func NewWithPPS(sysfsPath string) *TimeBase {
	tb := New()
	tb.ppsPath = sysfsPath
	tb.readPPS = func() (time.Time, error) { return readPPSAssert(sysfsPath) }
	return tb
}

// Sync captures the monotonic and wall clocks back to back and stores
// their difference. If a PPS source is locked, the sub-second error
// measured at the last pulse edge is removed from the offset: the
// pulse marks a true UTC second boundary, so any fractional part of
// the assert timestamp is clock error.
func (tb *TimeBase) Sync() {
	mono := tb.monoFunc()
	wall := tb.nowFunc()

	offset := wall.UnixNano() - mono

	if tb.ppsPath != "" {
		if assert, err := tb.readPPS(); err == nil && wall.Sub(assert) < ppsLockWindow {
			offset -= subsecondError(assert)
		}
	}

	tb.mu.Lock()
	tb.offsetNs = offset
	tb.synced = true
	tb.lastSync = wall
	tb.lastSyncMono = mono
	tb.mu.Unlock()
}

// Invalidate discards the current offset. Used after a GPS-driven
// system clock step: the old offset refers to the pre-step wall clock
// and must not stamp another frame.
func (tb *TimeBase) Invalidate() {
	tb.mu.Lock()
	tb.synced = false
	tb.mu.Unlock()
}

// Now returns the best available UTC instant. When synced it is
// derived from the monotonic clock plus the stored offset; otherwise
// it is a direct wall clock read.
func (tb *TimeBase) Now() time.Time {
	mono := tb.monoFunc()

	tb.mu.Lock()
	synced, offset := tb.synced, tb.offsetNs
	stale := synced && mono-tb.lastSyncMono > int64(resyncInterval)
	tb.mu.Unlock()

	if !synced {
		return tb.nowFunc().UTC()
	}
	if stale {
		tb.Sync()
		mono = tb.monoFunc()
		tb.mu.Lock()
		offset = tb.offsetNs
		tb.mu.Unlock()
	}
	return time.Unix(0, mono+offset).UTC()
}

// FromMonotonic converts a raw CLOCK_MONOTONIC timestamp (such as a
// V4L2 buffer timestamp) to UTC. Syncs first if the offset has been
// invalidated.
func (tb *TimeBase) FromMonotonic(monoNs int64) time.Time {
	tb.mu.Lock()
	synced := tb.synced
	stale := synced && tb.monoFunc()-tb.lastSyncMono > int64(resyncInterval)
	tb.mu.Unlock()

	if !synced || stale {
		tb.Sync()
	}

	tb.mu.Lock()
	offset := tb.offsetNs
	tb.mu.Unlock()
	return time.Unix(0, monoNs+offset).UTC()
}

// PPSLocked reports whether a PPS source is configured and has
// asserted recently.
func (tb *TimeBase) PPSLocked() bool {
	if tb.ppsPath == "" {
		return false
	}
	assert, err := tb.readPPS()
	if err != nil {
		return false
	}
	return tb.nowFunc().Sub(assert) < ppsLockWindow
}

// LastSync returns the wall time of the most recent Sync, or the zero
// time if never synced.
func (tb *TimeBase) LastSync() time.Time {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.lastSync
}

func monotonicNow() int64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		// ClockGettime only fails for a bad clock ID.
		return time.Now().UnixNano()
	}
	return ts.Nano()
}

// subsecondError returns the signed distance from t to the nearest
// whole second, in nanoseconds.
func subsecondError(t time.Time) int64 {
	frac := int64(t.Nanosecond())
	if frac > int64(time.Second)/2 {
		return frac - int64(time.Second)
	}
	return frac
}
