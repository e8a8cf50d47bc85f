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

package orchestrator

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mike-Bollinger/BathyCat-Seabed-Imager-sub000/camera"
	"github.com/Mike-Bollinger/BathyCat-Seabed-Imager-sub000/gps"
	"github.com/Mike-Bollinger/BathyCat-Seabed-Imager-sub000/sequence"
	"github.com/Mike-Bollinger/BathyCat-Seabed-Imager-sub000/storage"
)

var testStart = time.Date(2024, 8, 14, 10, 30, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeCamera struct {
	clock        *fakeClock
	failEvery    int
	alwaysFail   bool
	alwaysMiss   bool
	reconnectErr error
	calls        int
	reconnects   int
}

func (c *fakeCamera) Capture() (*camera.Frame, error) {
	c.calls++
	if c.alwaysFail {
		return nil, errors.New("no frame")
	}
	if c.alwaysMiss {
		return nil, nil
	}
	if c.failEvery > 0 && c.calls%c.failEvery == 0 {
		return nil, errors.New("no frame")
	}
	c.clock.Sleep(time.Millisecond)
	return &camera.Frame{
		Data:      []byte("jpeg-bytes"),
		Timestamp: c.clock.Now(),
	}, nil
}

func (c *fakeCamera) Reconnect() error {
	c.reconnects++
	return c.reconnectErr
}

func (c *fakeCamera) State() camera.State {
	return camera.Ready
}

type fakeGPS struct {
	fix *gps.Fix
}

func (g *fakeGPS) Update() (bool, error) { return false, nil }
func (g *fakeGPS) Connect() error        { return nil }
func (g *fakeGPS) CurrentFix() *gps.Fix  { return g.fix }

type fakeTagger struct {
	fail  bool
	fixes []*gps.Fix
}

func (t *fakeTagger) Encode(data []byte, fix *gps.Fix, ts time.Time, p camera.Params) ([]byte, error) {
	if t.fail {
		return nil, errors.New("bad jpeg")
	}
	t.fixes = append(t.fixes, fix)
	return append(append([]byte(nil), data...), []byte("+exif")...), nil
}

type fakeSaver struct {
	mu     sync.Mutex
	names  []string
	bodies [][]byte
	err    error
}

func (s *fakeSaver) Save(data []byte, ts time.Time, name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.names = append(s.names, name)
	s.bodies = append(s.bodies, data)
	return filepath.Join("/media/usb/images", name), nil
}

func (s *fakeSaver) FreeSpace() (uint64, error) { return 32 << 30, nil }

func (s *fakeSaver) saved() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.names)
}

type testRig struct {
	orch   *Orchestrator
	clock  *fakeClock
	camera *fakeCamera
	gps    *fakeGPS
	tagger *fakeTagger
	saver  *fakeSaver
}

func newTestRig(conf Config) *testRig {
	clock := &fakeClock{now: testStart}
	rig := &testRig{
		clock:  clock,
		camera: &fakeCamera{clock: clock},
		gps:    &fakeGPS{},
		tagger: &fakeTagger{},
		saver:  &fakeSaver{},
	}
	rig.orch = NewWithClock(conf, rig.camera, rig.gps, rig.tagger,
		rig.saver, sequence.New("bathycat"), clock)
	return rig
}

func TestNextTickSkipsMissedTicks(t *testing.T) {
	interval := 500 * time.Millisecond
	prev := testStart

	// On schedule: next is exactly one interval later.
	next := nextTick(prev, interval, testStart.Add(100*time.Millisecond))
	assert.Equal(t, prev.Add(interval), next)

	// A slow tick overran two intervals. Missed ticks are dropped,
	// not queued: the schedule restarts from now.
	now := testStart.Add(1200 * time.Millisecond)
	next = nextTick(prev, interval, now)
	assert.Equal(t, now.Add(interval), next)
}

func TestPartialFailureContinuity(t *testing.T) {
	rig := newTestRig(DefaultConfig())
	rig.camera.failEvery = 3

	for i := 0; i < 10; i++ {
		require.NoError(t, rig.orch.tick())
	}

	assert.Equal(t, 7, rig.saver.saved())
	status := rig.orch.Status()
	assert.Equal(t, uint64(7), status.ImagesCaptured)
	assert.Equal(t, uint64(3), status.Errors)
}

func TestSequenceNamesAreGapless(t *testing.T) {
	rig := newTestRig(DefaultConfig())
	rig.camera.failEvery = 2

	for i := 0; i < 6; i++ {
		require.NoError(t, rig.orch.tick())
	}

	require.Len(t, rig.saver.names, 3)
	for i, name := range rig.saver.names {
		assert.Regexp(t, `_0000`+string(rune('1'+i))+`\.jpg$`, name)
	}
}

func TestCameraRecoveryIsRateLimited(t *testing.T) {
	rig := newTestRig(DefaultConfig())
	rig.camera.alwaysFail = true

	// First burst of failures triggers one reconnect.
	for i := 0; i < recoverAfterFailures; i++ {
		require.NoError(t, rig.orch.tick())
	}
	assert.Equal(t, 1, rig.camera.reconnects)

	// Still failing, but the bucket is empty.
	for i := 0; i < recoverAfterFailures; i++ {
		require.NoError(t, rig.orch.tick())
	}
	assert.Equal(t, 1, rig.camera.reconnects)

	// After the refill period another attempt is allowed.
	rig.clock.Sleep(recoverRefill + time.Second)
	require.NoError(t, rig.orch.tick())
	assert.Equal(t, 2, rig.camera.reconnects)
}

func TestMissedFramesCountAndTriggerRecovery(t *testing.T) {
	rig := newTestRig(DefaultConfig())
	rig.camera.alwaysMiss = true

	// A camera that returns no frame and no error (driver timeout,
	// empty read) must not look healthy forever.
	for i := 0; i < recoverAfterFailures; i++ {
		require.NoError(t, rig.orch.tick())
	}

	status := rig.orch.Status()
	assert.Equal(t, uint64(recoverAfterFailures), status.Errors)
	assert.Equal(t, uint64(0), status.ImagesCaptured)
	assert.Equal(t, 1, rig.camera.reconnects)
}

func TestReconnectFailuresResetBySuccessfulCapture(t *testing.T) {
	rig := newTestRig(DefaultConfig())

	failOnce := func() {
		rig.camera.alwaysFail = true
		rig.camera.reconnectErr = errors.New("device busy")
		rig.clock.Sleep(recoverRefill)
		for i := 0; i < recoverAfterFailures; i++ {
			require.NoError(t, rig.orch.tick())
		}
		rig.camera.alwaysFail = false
		rig.camera.reconnectErr = nil
		require.NoError(t, rig.orch.tick())
	}

	// Isolated reconnect failures separated by healthy captures must
	// not accumulate into a shutdown.
	for i := 0; i < maxFailedReconnects+1; i++ {
		failOnce()
	}
	assert.Equal(t, maxFailedReconnects+1, rig.camera.reconnects)
}

func TestRepeatedReconnectFailureIsFatal(t *testing.T) {
	rig := newTestRig(DefaultConfig())
	rig.camera.alwaysFail = true
	rig.camera.reconnectErr = errors.New("device gone")

	var fatal error
	for i := 0; i < 10*recoverAfterFailures && fatal == nil; i++ {
		fatal = rig.orch.tick()
		rig.clock.Sleep(recoverRefill) // keep the reconnect budget topped up
	}

	require.Error(t, fatal)
	assert.Contains(t, fatal.Error(), "unrecoverable")
	assert.Equal(t, maxFailedReconnects, rig.camera.reconnects)
}

func TestExifFailureSavesUntagged(t *testing.T) {
	rig := newTestRig(DefaultConfig())
	rig.tagger.fail = true

	require.NoError(t, rig.orch.tick())

	require.Equal(t, 1, rig.saver.saved())
	assert.Equal(t, []byte("jpeg-bytes"), rig.saver.bodies[0])
	status := rig.orch.Status()
	assert.Equal(t, uint64(1), status.ImagesCaptured)
	assert.Equal(t, uint64(1), status.Errors)
}

func TestFixPassedToTagger(t *testing.T) {
	rig := newTestRig(DefaultConfig())

	require.NoError(t, rig.orch.tick())

	rig.gps.fix = &gps.Fix{
		Latitude:   45.5,
		Longitude:  -122.5,
		Quality:    1,
		Satellites: 8,
		Time:       testStart,
	}
	require.NoError(t, rig.orch.tick())

	require.Len(t, rig.tagger.fixes, 2)
	assert.Nil(t, rig.tagger.fixes[0])
	require.NotNil(t, rig.tagger.fixes[1])
	assert.Equal(t, 45.5, rig.tagger.fixes[1].Latitude)
}

func TestUnmountedStorageIsFatal(t *testing.T) {
	rig := newTestRig(DefaultConfig())
	rig.saver.err = storage.ErrNotMounted

	err := rig.orch.tick()
	require.Error(t, err)
	assert.True(t, errors.Is(err, storage.ErrNotMounted))
}

func TestFullDiskIsNotFatal(t *testing.T) {
	rig := newTestRig(DefaultConfig())
	rig.saver.err = storage.ErrNoSpace

	require.NoError(t, rig.orch.tick())
	status := rig.orch.Status()
	assert.Equal(t, uint64(1), status.Errors)
}

func TestStatusSnapshot(t *testing.T) {
	rig := newTestRig(DefaultConfig())
	rig.gps.fix = &gps.Fix{
		Latitude:   45.5,
		Longitude:  -122.5,
		Quality:    1,
		Satellites: 8,
		Time:       testStart,
	}

	for i := 0; i < 5; i++ {
		require.NoError(t, rig.orch.tick())
		rig.clock.Sleep(500 * time.Millisecond)
	}

	status := rig.orch.Status()
	assert.Equal(t, uint64(5), status.ImagesCaptured)
	assert.True(t, status.GPSFixPresent)
	assert.Equal(t, "ready", status.CameraState)
	assert.InDelta(t, 32.0, status.FreeSpaceGB, 0.01)
	assert.InDelta(t, 2.0, status.FPSActual, 0.1)
	assert.Regexp(t, `\.jpg$`, status.LastImage)
}

func TestLatestFrame(t *testing.T) {
	rig := newTestRig(DefaultConfig())

	assert.Nil(t, rig.orch.LatestFrame())

	require.NoError(t, rig.orch.tick())
	frame := rig.orch.LatestFrame()
	assert.Equal(t, []byte("jpeg-bytes+exif"), frame)

	// The accessor hands out a copy.
	frame[0] = 'X'
	assert.Equal(t, []byte("jpeg-bytes+exif"), rig.orch.LatestFrame())
}

func TestRunCapturesAtConfiguredRate(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping real-time rate test")
	}

	clock := &fakeClock{now: testStart}
	cam := &fakeCamera{clock: clock}
	saver := &fakeSaver{}
	orch := New(Config{RateHz: 5, StatusIntervalSecs: 1},
		cam, &fakeGPS{}, &fakeTagger{}, saver, sequence.New("bathycat"))

	var pushes int
	var mu sync.Mutex
	orch.AddStatusSink(statusSinkFunc(func(Status) {
		mu.Lock()
		pushes++
		mu.Unlock()
	}))

	done := make(chan error)
	go func() { done <- orch.Run() }()

	time.Sleep(2 * time.Second)
	orch.Stop()
	require.NoError(t, <-done)

	saved := saver.saved()
	assert.GreaterOrEqual(t, saved, 8, "expected around 10 captures, got %d", saved)
	assert.LessOrEqual(t, saved, 12, "expected around 10 captures, got %d", saved)

	// Running without GPS is normal operation, not an error.
	assert.Equal(t, uint64(0), orch.Status().Errors)

	// Sequence suffixes strictly increase.
	for i := 1; i < len(saver.names); i++ {
		assert.Greater(t, saver.names[i], saver.names[i-1])
	}

	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, pushes, 2) // periodic plus the final push
}

type statusSinkFunc func(Status)

func (f statusSinkFunc) Push(status Status) { f(status) }
