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

// Package orchestrator drives the capture loop: grab a frame, attach
// the freshest GPS fix, tag it, and hand it to storage. It owns the
// timing discipline (missed ticks are skipped, never queued) and the
// camera recovery policy.
package orchestrator

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/juju/ratelimit"

	"github.com/Mike-Bollinger/BathyCat-Seabed-Imager-sub000/camera"
	"github.com/Mike-Bollinger/BathyCat-Seabed-Imager-sub000/gps"
	"github.com/Mike-Bollinger/BathyCat-Seabed-Imager-sub000/loglimit"
	"github.com/Mike-Bollinger/BathyCat-Seabed-Imager-sub000/sequence"
	"github.com/Mike-Bollinger/BathyCat-Seabed-Imager-sub000/storage"
)

const (
	// Consecutive capture failures before a camera reconnect is
	// attempted.
	recoverAfterFailures = 10

	// Reconnects are expensive (device reopen, test captures) so
	// they are limited to one per recoverRefill even when the camera
	// keeps failing.
	recoverRefill = 30 * time.Second

	// The camera is mandatory. This many failed reconnects in a row
	// stops the daemon so systemd can restart it (and with it the
	// USB stack).
	maxFailedReconnects = 3

	gpsPollInterval = 200 * time.Millisecond

	// Capture rate is measured over a sliding window this long.
	rateWindow = 10 * time.Second

	logSuppressInterval = 30 * time.Second
)

// errNoFrame marks a capture attempt that returned neither a frame
// nor an error.
var errNoFrame = errors.New("camera produced no frame")

// FrameSource is the camera side of the loop.
type FrameSource interface {
	Capture() (*camera.Frame, error)
	Reconnect() error
	State() camera.State
}

// FixSource feeds position data. Update is pumped from the GPS
// goroutine; CurrentFix is read from the capture goroutine.
type FixSource interface {
	Update() (bool, error)
	Connect() error
	CurrentFix() *gps.Fix
}

// Tagger embeds metadata into a captured JPEG.
type Tagger interface {
	Encode(data []byte, fix *gps.Fix, ts time.Time, p camera.Params) ([]byte, error)
}

// Saver persists finished images.
type Saver interface {
	Save(data []byte, ts time.Time, name string) (string, error)
	FreeSpace() (uint64, error)
}

// StatusSink receives periodic status reports (LED, MQTT, systemd
// watchdog).
type StatusSink interface {
	Push(Status)
}

// Status is the externally visible state of the capture loop. The
// JSON form is what goes out over MQTT and dbus.
type Status struct {
	Running        bool    `json:"running"`
	CameraState    string  `json:"camera_state"`
	ImagesCaptured uint64  `json:"images_captured"`
	Errors         uint64  `json:"errors"`
	FPSActual      float64 `json:"fps_actual"`
	GPSFixPresent  bool    `json:"gps_fix_present"`
	FreeSpaceGB    float64 `json:"free_space_gb"`
	LastImage      string  `json:"last_image"`
	UptimeSecs     int64   `json:"uptime_secs"`
}

type Config struct {
	RateHz             float64 `yaml:"rate-hz"`
	StatusIntervalSecs int     `yaml:"status-interval-secs"`
}

func DefaultConfig() Config {
	return Config{
		RateHz:             2,
		StatusIntervalSecs: 30,
	}
}

func (conf *Config) Validate() error {
	if conf.RateHz <= 0 || conf.RateHz > 30 {
		return errors.New("rate-hz must be between 0 and 30")
	}
	if conf.StatusIntervalSecs < 1 {
		return errors.New("status-interval-secs must be positive")
	}
	return nil
}

func (conf *Config) Interval() time.Duration {
	return time.Duration(float64(time.Second) / conf.RateHz)
}

func (conf *Config) StatusInterval() time.Duration {
	return time.Duration(conf.StatusIntervalSecs) * time.Second
}

type Orchestrator struct {
	conf    Config
	camera  FrameSource
	gpsSrc  FixSource
	tagger  Tagger
	saver   Saver
	namer   *sequence.Namer
	clock   ratelimit.Clock
	limiter *loglimit.Limiter

	recoverBucket    *ratelimit.Bucket
	failedReconnects int // capture goroutine only
	startTime        time.Time

	sinks []StatusSink

	mu           sync.Mutex
	running      bool
	images       uint64
	errCount     uint64
	consecutive  int
	lastImage    string
	lastFrame    []byte
	recent       []time.Time
	stop         chan struct{}
	stopOnce     sync.Once
	loopsDone    sync.WaitGroup
}

func New(conf Config, cam FrameSource, gpsSrc FixSource, tagger Tagger,
	saver Saver, namer *sequence.Namer) *Orchestrator {
	return NewWithClock(conf, cam, gpsSrc, tagger, saver, namer, new(realClock))
}

// NewWithClock exists for the tests.
func NewWithClock(conf Config, cam FrameSource, gpsSrc FixSource, tagger Tagger,
	saver Saver, namer *sequence.Namer, clock ratelimit.Clock) *Orchestrator {
	return &Orchestrator{
		conf:    conf,
		camera:  cam,
		gpsSrc:  gpsSrc,
		tagger:  tagger,
		saver:   saver,
		namer:   namer,
		clock:   clock,
		limiter: loglimit.New(logSuppressInterval),
		recoverBucket: ratelimit.NewBucketWithRateAndClock(
			1/recoverRefill.Seconds(), 1, clock),
		startTime: clock.Now(),
		stop:      make(chan struct{}),
	}
}

// AddStatusSink registers a sink. Must be called before Run.
func (o *Orchestrator) AddStatusSink(sink StatusSink) {
	o.sinks = append(o.sinks, sink)
}

// Run blocks, capturing at the configured rate until Stop is called
// or the storage goes away underneath us. The GPS pump and status
// reporting run on their own goroutines.
func (o *Orchestrator) Run() error {
	o.mu.Lock()
	o.running = true
	o.mu.Unlock()

	o.loopsDone.Add(2)
	go o.gpsLoop()
	go o.statusLoop()

	defer func() {
		o.Stop()
		o.loopsDone.Wait()
		o.mu.Lock()
		o.running = false
		o.mu.Unlock()
		o.pushStatus()
	}()

	log.Printf("capturing at %.1f Hz", o.conf.RateHz)

	interval := o.conf.Interval()
	next := o.clock.Now()
	for {
		select {
		case <-o.stop:
			return nil
		default:
		}

		if now := o.clock.Now(); now.Before(next) {
			o.clock.Sleep(next.Sub(now))
		}
		if err := o.tick(); err != nil {
			return err
		}
		next = nextTick(next, interval, o.clock.Now())
	}
}

// Stop asks Run to return. The in-flight tick is allowed to finish.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() { close(o.stop) })
}

// tick performs one capture attempt.
func (o *Orchestrator) tick() error {
	frame, err := o.camera.Capture()
	if err != nil {
		return o.captureFailed(err)
	}
	if frame == nil {
		// A miss (driver timeout, empty read) counts like any other
		// failure so a camera that stops producing frames without
		// erroring still reaches the reconnect path.
		return o.captureFailed(errNoFrame)
	}

	fix := o.gpsSrc.CurrentFix()
	name, _ := o.namer.Next(frame.Timestamp)

	data, err := o.tagger.Encode(frame.Data, fix, frame.Timestamp, frame.Params)
	if err != nil {
		// A bad EXIF pass never costs us the image.
		o.limiter.Printf("exif", "exif tagging failed, saving untagged: %v", err)
		o.countError()
		data = frame.Data
	}

	path, err := o.saver.Save(data, frame.Timestamp, name)
	if err != nil {
		if errors.Is(err, storage.ErrNotMounted) {
			return fmt.Errorf("storage gone: %w", err)
		}
		o.limiter.Printf("save", "save failed: %v", err)
		o.countError()
		return nil
	}

	o.mu.Lock()
	o.images++
	o.consecutive = 0
	o.lastImage = path
	o.lastFrame = data
	o.recordCapture(frame.Timestamp)
	o.mu.Unlock()
	o.failedReconnects = 0
	return nil
}

func (o *Orchestrator) captureFailed(err error) error {
	o.mu.Lock()
	o.errCount++
	o.consecutive++
	failures := o.consecutive
	o.mu.Unlock()

	o.limiter.Printf("capture", "capture failed: %v", err)

	if failures < recoverAfterFailures {
		return nil
	}
	if o.recoverBucket.TakeAvailable(1) == 0 {
		return nil
	}
	log.Printf("camera failed %d times in a row, reconnecting", failures)
	if err := o.camera.Reconnect(); err != nil {
		o.failedReconnects++
		log.Printf("camera reconnect failed (%d/%d): %v",
			o.failedReconnects, maxFailedReconnects, err)
		if o.failedReconnects >= maxFailedReconnects {
			return fmt.Errorf("camera unrecoverable after %d reconnect attempts: %w",
				o.failedReconnects, err)
		}
		return nil
	}
	o.mu.Lock()
	o.consecutive = 0
	o.mu.Unlock()
	o.failedReconnects = 0
	log.Print("camera reconnected")
	return nil
}

func (o *Orchestrator) countError() {
	o.mu.Lock()
	o.errCount++
	o.mu.Unlock()
}

// recordCapture updates the sliding rate window. Caller holds mu.
func (o *Orchestrator) recordCapture(ts time.Time) {
	o.recent = append(o.recent, ts)
	cutoff := ts.Add(-rateWindow)
	trim := 0
	for trim < len(o.recent) && o.recent[trim].Before(cutoff) {
		trim++
	}
	o.recent = o.recent[trim:]
}

func (o *Orchestrator) gpsLoop() {
	defer o.loopsDone.Done()
	for {
		select {
		case <-o.stop:
			return
		default:
		}
		if _, err := o.gpsSrc.Update(); err != nil {
			o.limiter.Printf("gps", "gps read failed: %v", err)
			if errors.Is(err, gps.ErrDisconnected) {
				o.clock.Sleep(time.Second)
				if err := o.gpsSrc.Connect(); err != nil {
					o.limiter.Printf("gps-conn", "gps reconnect failed: %v", err)
				}
				continue
			}
		}
		o.clock.Sleep(gpsPollInterval)
	}
}

func (o *Orchestrator) statusLoop() {
	defer o.loopsDone.Done()
	interval := o.conf.StatusInterval()
	for {
		// Sleep in short slices so Stop is not held up for a whole
		// status interval.
		deadline := o.clock.Now().Add(interval)
		for {
			select {
			case <-o.stop:
				return
			default:
			}
			remaining := deadline.Sub(o.clock.Now())
			if remaining <= 0 {
				break
			}
			if remaining > time.Second {
				remaining = time.Second
			}
			o.clock.Sleep(remaining)
		}
		o.pushStatus()
	}
}

func (o *Orchestrator) pushStatus() {
	status := o.Status()
	log.Printf("status: %d images, %d errors, %.1f fps, fix=%v, %.1f GB free",
		status.ImagesCaptured, status.Errors, status.FPSActual,
		status.GPSFixPresent, status.FreeSpaceGB)
	for _, sink := range o.sinks {
		sink.Push(status)
	}
}

// Status returns a snapshot for the status sinks and the dbus
// service.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	status := Status{
		Running:        o.running,
		CameraState:    o.camera.State().String(),
		ImagesCaptured: o.images,
		Errors:         o.errCount,
		LastImage:      o.lastImage,
		UptimeSecs:     int64(o.clock.Now().Sub(o.startTime).Seconds()),
	}
	if len(o.recent) > 1 {
		span := o.recent[len(o.recent)-1].Sub(o.recent[0]).Seconds()
		if span > 0 {
			status.FPSActual = float64(len(o.recent)-1) / span
		}
	}
	o.mu.Unlock()

	if fix := o.gpsSrc.CurrentFix(); fix != nil && fix.Valid() {
		status.GPSFixPresent = true
	}
	if free, err := o.saver.FreeSpace(); err == nil {
		status.FreeSpaceGB = float64(free) / (1 << 30)
	}
	return status
}

// LatestFrame returns the most recent tagged image, or nil if
// nothing has been captured yet.
func (o *Orchestrator) LatestFrame() []byte {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.lastFrame == nil {
		return nil
	}
	return append([]byte(nil), o.lastFrame...)
}

// nextTick schedules the deadline after a tick that started at prev.
// When processing overran one or more intervals the missed ticks are
// dropped and the schedule restarts from now, so a slow save never
// causes a burst of catch-up captures.
func nextTick(prev time.Time, interval time.Duration, now time.Time) time.Time {
	next := prev.Add(interval)
	if next.Before(now) {
		next = now.Add(interval)
	}
	return next
}

// realClock implements ratelimit.Clock in terms of standard time functions.
type realClock struct{}

func (realClock) Now() time.Time {
	return time.Now()
}

func (realClock) Sleep(d time.Duration) {
	time.Sleep(d)
}
