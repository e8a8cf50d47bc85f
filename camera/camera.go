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

// Package camera owns the capture device and produces timestamped
// JPEG frames. The device itself sits behind a small Backend
// interface with interchangeable implementations (OpenCV, raw V4L2,
// subprocess still tools) selected at startup.
package camera

import (
	"bytes"
	"errors"
	"fmt"
	"image/jpeg"
	"log"
	"sync"
	"time"
)

const (
	// A test frame with mean luma at or above this is treated as
	// severely overexposed. Not fatal: the usual cause is
	// environmental (surface light before the rig is deployed).
	overexposedThreshold = 250

	initCaptureAttempts = 3
)

// ErrNotReady is returned by Capture when the source is not in the
// Ready state; callers should Reconnect.
var ErrNotReady = errors.New("camera not ready")

type State int

const (
	Uninitialized State = iota
	Initializing
	Ready
	Capturing
	Failed
)

func (s State) String() string {
	switch s {
	case Initializing:
		return "initializing"
	case Ready:
		return "ready"
	case Capturing:
		return "capturing"
	case Failed:
		return "failed"
	default:
		return "uninitialized"
	}
}

// Params is a snapshot of the camera's exposure settings at capture
// time, carried into the EXIF block.
type Params struct {
	Exposure         float64 // seconds; 0 = auto
	Gain             float64
	AutoWhiteBalance bool
	WhiteBalanceTemp int // Kelvin; meaningful when not auto
}

// Frame is one captured image. The pixel buffer belongs exclusively
// to the caller for the duration of one capture tick.
type Frame struct {
	Data      []byte // JPEG
	Timestamp time.Time
	Width     int
	Height    int
	Params    Params
}

// Backend is a capture device implementation. Grab returns the frame
// bytes plus a raw CLOCK_MONOTONIC timestamp when the driver supplies
// one (0 otherwise); a transient miss is (nil, 0, nil).
type Backend interface {
	Name() string
	Open(conf Config) error
	Grab() (data []byte, monoNs int64, err error)
	Params() Params
	Close() error
}

// Clock provides UTC stamps for frames. Satisfied by
// timebase.TimeBase.
type Clock interface {
	Now() time.Time
	FromMonotonic(monoNs int64) time.Time
}

type Config struct {
	Backend          string  `yaml:"backend"` // gocv, v4l2 or still
	DeviceID         int     `yaml:"device-id"`
	Device           string  `yaml:"device"`
	Width            int     `yaml:"width"`
	Height           int     `yaml:"height"`
	FPS              int     `yaml:"fps"`
	Exposure         float64 `yaml:"exposure"` // seconds; 0 = auto
	Gain             float64 `yaml:"gain"`
	AutoWhiteBalance bool    `yaml:"auto-white-balance"`
	WhiteBalanceTemp int     `yaml:"white-balance-temp"`
}

func DefaultConfig() Config {
	return Config{
		Backend:          "gocv",
		Device:           "/dev/video0",
		Width:            1920,
		Height:           1080,
		FPS:              10,
		AutoWhiteBalance: true,
	}
}

func (conf *Config) Validate() error {
	switch conf.Backend {
	case "gocv", "v4l2", "still":
	default:
		return fmt.Errorf("unknown camera backend %q", conf.Backend)
	}
	if conf.Width <= 0 || conf.Height <= 0 {
		return errors.New("camera resolution should be positive")
	}
	if conf.FPS <= 0 || conf.FPS > 30 {
		return errors.New("camera fps should be in range 1 - 30")
	}
	return nil
}

// Source wraps a Backend with the initialize/capture/reconnect state
// machine and timestamp attachment. The capture tick is the only
// writer; State and Overexposed may be read from other goroutines.
type Source struct {
	cfg     Config
	backend Backend
	clock   Clock

	mu          sync.Mutex // guards state and overexposed only
	state       State
	overexposed bool
	lastStamp   time.Time
}

// New selects the configured backend and returns an uninitialized
// Source.
func New(conf Config, clock Clock) (*Source, error) {
	var backend Backend
	switch conf.Backend {
	case "gocv":
		backend = new(gocvBackend)
	case "v4l2":
		backend = new(v4l2Backend)
	case "still":
		backend = new(stillBackend)
	default:
		return nil, fmt.Errorf("unknown camera backend %q", conf.Backend)
	}
	return NewWithBackend(conf, backend, clock), nil
}

// NewWithBackend wires an explicit backend; used by tests.
func NewWithBackend(conf Config, backend Backend, clock Clock) *Source {
	return &Source{cfg: conf, backend: backend, clock: clock}
}

// Initialize opens the device, applies configuration and confirms the
// pipeline is live with a throwaway test capture. On success the
// source is Ready; any failure leaves it Failed (recoverable via
// Reconnect).
func (s *Source) Initialize() error {
	s.setState(Initializing)

	if err := s.backend.Open(s.cfg); err != nil {
		s.setState(Failed)
		return fmt.Errorf("opening %s camera: %w", s.backend.Name(), err)
	}

	var test []byte
	for i := 0; i < initCaptureAttempts; i++ {
		data, _, err := s.backend.Grab()
		if err != nil {
			s.backend.Close()
			s.setState(Failed)
			return fmt.Errorf("test capture: %w", err)
		}
		if len(data) > 0 {
			test = data
			break
		}
	}
	if test == nil {
		s.backend.Close()
		s.setState(Failed)
		return fmt.Errorf("no frames from %s camera after %d attempts",
			s.backend.Name(), initCaptureAttempts)
	}

	if mean, err := meanLuma(test); err == nil {
		over := mean >= overexposedThreshold
		s.mu.Lock()
		s.overexposed = over
		s.mu.Unlock()
		if over {
			log.Printf("camera test frame severely overexposed (mean %.0f); continuing", mean)
		}
	}

	s.setState(Ready)
	return nil
}

// Capture reads one frame and stamps it as close to the device read
// as possible, preferring a driver timestamp over the software clock.
// A transient miss returns (nil, nil); the orchestrator owns retry
// policy.
func (s *Source) Capture() (*Frame, error) {
	if s.State() != Ready {
		return nil, ErrNotReady
	}
	s.setState(Capturing)

	data, monoNs, err := s.backend.Grab()

	// Stamp immediately: everything below this line is bookkeeping.
	var ts time.Time
	if monoNs > 0 {
		ts = s.clock.FromMonotonic(monoNs)
	} else {
		ts = s.clock.Now()
	}

	if err != nil {
		s.setState(Failed)
		return nil, fmt.Errorf("camera read: %w", err)
	}
	s.setState(Ready)
	if len(data) == 0 {
		return nil, nil
	}

	// Capture timestamps never go backwards within a session, even if
	// the underlying clock was resynced downwards between frames.
	if ts.Before(s.lastStamp) {
		ts = s.lastStamp
	}
	s.lastStamp = ts

	return &Frame{
		Data:      data,
		Timestamp: ts,
		Width:     s.cfg.Width,
		Height:    s.cfg.Height,
		Params:    s.backend.Params(),
	}, nil
}

// Reconnect releases the device and runs a fresh initialization. Each
// call is an independent attempt.
func (s *Source) Reconnect() error {
	s.backend.Close()
	s.setState(Uninitialized)
	return s.Initialize()
}

// Overexposed reports the persistent overexposure warning from the
// last initialization.
func (s *Source) Overexposed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.overexposed
}

func (s *Source) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Source) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Source) Close() error {
	s.setState(Uninitialized)
	return s.backend.Close()
}

// meanLuma decodes a JPEG and returns the mean luma (0-255) over a
// subsampled grid.
func meanLuma(data []byte) (float64, error) {
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return 0, err
	}
	bounds := img.Bounds()

	const step = 8
	var sum, count uint64
	for y := bounds.Min.Y; y < bounds.Max.Y; y += step {
		for x := bounds.Min.X; x < bounds.Max.X; x += step {
			r, g, b, _ := img.At(x, y).RGBA()
			sum += uint64((299*r + 587*g + 114*b) / 1000 >> 8)
			count++
		}
	}
	if count == 0 {
		return 0, errors.New("empty image")
	}
	return float64(sum) / float64(count), nil
}
