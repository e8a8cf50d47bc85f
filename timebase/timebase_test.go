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

package timebase

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeClocks(tb *TimeBase, wall time.Time, mono int64) (*time.Time, *int64) {
	w, m := wall, mono
	tb.nowFunc = func() time.Time { return w }
	tb.monoFunc = func() int64 { return m }
	return &w, &m
}

func TestNowUnsyncedFallsBackToWallClock(t *testing.T) {
	tb := New()
	wall := time.Date(2024, 8, 14, 2, 30, 0, 0, time.UTC)
	fakeClocks(tb, wall, 5e9)

	assert.Equal(t, wall, tb.Now())
}

func TestNowTracksMonotonicAfterSync(t *testing.T) {
	tb := New()
	wall := time.Date(2024, 8, 14, 2, 30, 0, 0, time.UTC)
	_, mono := fakeClocks(tb, wall, 1000e9)

	tb.Sync()
	assert.Equal(t, wall, tb.Now())

	// Advance only the monotonic clock; Now must follow it.
	*mono += int64(3 * time.Second)
	assert.Equal(t, wall.Add(3*time.Second), tb.Now())
}

func TestInvalidateForcesWallClock(t *testing.T) {
	tb := New()
	wall := time.Date(2024, 8, 14, 2, 30, 0, 0, time.UTC)
	w, mono := fakeClocks(tb, wall, 1000e9)

	tb.Sync()

	// Simulate a clock step: wall jumps, monotonic does not.
	*w = wall.Add(time.Hour)
	tb.Invalidate()
	assert.Equal(t, wall.Add(time.Hour), tb.Now())

	tb.Sync()
	*mono += int64(time.Second)
	assert.Equal(t, wall.Add(time.Hour+time.Second), tb.Now())
}

func TestStaleOffsetIsRefreshed(t *testing.T) {
	tb := New()
	wall := time.Date(2024, 8, 14, 2, 30, 0, 0, time.UTC)
	w, mono := fakeClocks(tb, wall, 1000e9)

	tb.Sync()

	// Six minutes pass, and the wall clock has drifted 50ms ahead of
	// where the monotonic clock says it should be. A fresh stamp must
	// pick up the drift.
	*mono += int64(6 * time.Minute)
	*w = wall.Add(6*time.Minute + 50*time.Millisecond)
	assert.Equal(t, *w, tb.Now())
}

func TestFromMonotonic(t *testing.T) {
	tb := New()
	wall := time.Date(2024, 8, 14, 2, 30, 0, 0, time.UTC)
	fakeClocks(tb, wall, 1000e9)

	tb.Sync()

	// A frame stamped one second before the sync point.
	ts := tb.FromMonotonic(999e9)
	assert.Equal(t, wall.Add(-time.Second), ts)
}

func TestPPSRemovesSubsecondError(t *testing.T) {
	tb := NewWithPPS("/unused")
	wall := time.Date(2024, 8, 14, 2, 30, 0, 40e6, time.UTC) // clock 40ms fast
	fakeClocks(tb, wall, 1000e9)
	tb.readPPS = func() (time.Time, error) {
		// Pulse edge observed 40ms after the true second boundary.
		return wall, nil
	}

	tb.Sync()
	assert.Equal(t, wall.Add(-40*time.Millisecond), tb.Now())
}

func TestParsePPSAssert(t *testing.T) {
	ts, err := parsePPSAssert("1723671234.000000001#5")
	require.NoError(t, err)
	assert.Equal(t, time.Unix(1723671234, 1), ts)

	_, err = parsePPSAssert("garbage")
	assert.Error(t, err)

	_, err = parsePPSAssert("1723671234#5")
	assert.Error(t, err)
}

func TestReadPPSAssertPathForms(t *testing.T) {
	dir := t.TempDir()
	assertPath := filepath.Join(dir, "assert")
	require.NoError(t, os.WriteFile(assertPath, []byte("1723671234.000000001#5\n"), 0644))

	// The device directory and the assert file itself both work.
	for _, path := range []string{dir, assertPath} {
		ts, err := readPPSAssert(path)
		require.NoError(t, err)
		assert.Equal(t, time.Unix(1723671234, 1), ts)
	}
}

func TestSubsecondError(t *testing.T) {
	base := time.Unix(100, 0)
	assert.Equal(t, int64(0), subsecondError(base))
	assert.Equal(t, int64(40e6), subsecondError(base.Add(40*time.Millisecond)))
	assert.Equal(t, int64(-40e6), subsecondError(base.Add(-40*time.Millisecond)))
}
