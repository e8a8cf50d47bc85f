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

// Package gps maintains the best-known current position/time fix from
// a serial NMEA stream, without ever blocking the capture path.
package gps

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log"
	"strconv"
	"sync"
	"time"

	nmea "github.com/adrianmo/go-nmea"
	"go.bug.st/serial"
	"golang.org/x/sys/unix"

	"github.com/Mike-Bollinger/BathyCat-Seabed-Imager-sub000/loglimit"
)

const (
	// A fix older than this is reported as absent: GPS hardware can
	// silently stop producing data.
	staleAfter = 10 * time.Second

	// System clock discipline: resync no more than every interval,
	// only when GPS and system time disagree by more than the
	// threshold.
	clockSyncInterval  = 30 * time.Minute
	clockSyncThreshold = time.Second

	// Serial reads use a short timeout so Update drains whatever has
	// arrived and returns.
	drainTimeout = 50 * time.Millisecond

	waitPollInterval = 200 * time.Millisecond
)

var ErrDisconnected = errors.New("gps not connected")

type State int

const (
	Disconnected State = iota
	Connected
	Reading
)

func (s State) String() string {
	switch s {
	case Connected:
		return "connected"
	case Reading:
		return "reading"
	default:
		return "disconnected"
	}
}

// Fix is an immutable snapshot of one positioning sentence. A fix with
// Quality 0 is recorded (for fallback tagging) but not Valid.
type Fix struct {
	Latitude    float64
	Longitude   float64
	Altitude    float64
	HasAltitude bool
	Quality     int // 0 = no fix
	Satellites  int
	HDOP        float64
	HasHDOP     bool
	Time        time.Time
}

// Valid reports whether the fix is usable for position tagging.
func (f *Fix) Valid() bool {
	return f.Quality > 0 &&
		f.Satellites >= 3 &&
		f.Latitude >= -90 && f.Latitude <= 90 &&
		f.Longitude >= -180 && f.Longitude <= 180
}

type Config struct {
	Port            string `yaml:"port"`
	Baud            int    `yaml:"baud"`
	RequireFix      bool   `yaml:"require-fix"`
	FixTimeoutSecs  int    `yaml:"fix-timeout-secs"`
	SyncSystemClock bool   `yaml:"sync-system-clock"`
}

func DefaultConfig() Config {
	return Config{
		Port:            "/dev/ttyUSB0",
		Baud:            9600,
		FixTimeoutSecs:  300,
		SyncSystemClock: true,
	}
}

func (conf *Config) Validate() error {
	if conf.Port != "" && conf.Baud <= 0 {
		return errors.New("gps baud should be positive")
	}
	if conf.FixTimeoutSecs < 0 {
		return errors.New("gps fix-timeout-secs should not be negative")
	}
	return nil
}

// FixTimeout returns the startup wait budget for a mandatory fix.
func (conf *Config) FixTimeout() time.Duration {
	return time.Duration(conf.FixTimeoutSecs) * time.Second
}

type serialPort interface {
	io.Reader
	Close() error
}

// Source owns the GPS serial channel. Update runs on its own tick;
// CurrentFix hands the capture loop an immutable snapshot.
type Source struct {
	cfg     Config
	limiter *loglimit.Limiter

	port    serialPort
	state   State
	pending []byte
	readBuf []byte

	// The capture loop reads the fix while the GPS loop writes it.
	// The fix itself is immutable once constructed; the mutex only
	// guards the pointer and timestamp pair.
	mu         sync.Mutex
	fix        *Fix
	lastUpdate time.Time

	lastDate time.Time // most recent GPS-supplied calendar date

	lastClockSync time.Time

	// syncHook runs immediately after a system clock step, within the
	// same fix event, so the TimeBase never stamps a frame with a
	// pre-step offset.
	syncHook func()

	// overridable for testing
	nowFunc  func() time.Time
	setClock func(time.Time) error
}

func New(conf Config) *Source {
	return &Source{
		cfg:      conf,
		limiter:  loglimit.New(time.Minute),
		readBuf:  make([]byte, 4096),
		nowFunc:  time.Now,
		setClock: setSystemClock,
	}
}

// SetSyncHook registers a function to run after every applied system
// clock correction (typically TimeBase.Invalidate + Sync).
func (s *Source) SetSyncHook(hook func()) {
	s.syncHook = hook
}

// Connect opens the serial channel. It does not fail merely because no
// data has arrived yet.
func (s *Source) Connect() error {
	if s.port != nil {
		s.port.Close()
		s.port = nil
	}
	port, err := serial.Open(s.cfg.Port, &serial.Mode{BaudRate: s.cfg.Baud})
	if err != nil {
		s.state = Disconnected
		return fmt.Errorf("opening %s: %w", s.cfg.Port, err)
	}
	if err := port.SetReadTimeout(drainTimeout); err != nil {
		port.Close()
		s.state = Disconnected
		return err
	}
	s.port = port
	s.state = Connected
	return nil
}

// Update drains newly available sentences and refreshes the current
// fix from each positioning sentence found. Malformed sentences are
// skipped; parse errors at high frequency are normal. Returns whether
// the fix was refreshed.
func (s *Source) Update() (bool, error) {
	if s.port == nil {
		return false, ErrDisconnected
	}

	for {
		n, err := s.port.Read(s.readBuf)
		if n > 0 {
			s.pending = append(s.pending, s.readBuf[:n]...)
			s.state = Reading
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			s.port.Close()
			s.port = nil
			s.state = Disconnected
			return false, fmt.Errorf("gps read: %w", err)
		}
		if n == 0 { // read timeout: drained
			break
		}
	}

	refreshed := false
	for {
		idx := bytes.IndexByte(s.pending, '\n')
		if idx < 0 {
			break
		}
		line := string(bytes.TrimSpace(s.pending[:idx]))
		s.pending = s.pending[idx+1:]
		if line == "" {
			continue
		}
		if s.processSentence(line) {
			refreshed = true
		}
	}

	// An unterminated line longer than any NMEA sentence is garbage
	// (wrong baud rate, binary protocol); don't hoard it.
	if len(s.pending) > 1024 {
		s.pending = s.pending[:0]
	}

	return refreshed, nil
}

// processSentence parses one line and reports whether it refreshed the
// fix.
func (s *Source) processSentence(line string) bool {
	sentence, err := nmea.Parse(line)
	if err != nil {
		s.limiter.Printf("parse", "ignoring gps sentence: %v", err)
		return false
	}

	switch m := sentence.(type) {
	case nmea.GGA:
		s.applyGGA(m)
		return true
	case nmea.RMC:
		if m.Validity == nmea.ValidRMC && m.Date.Valid && m.Time.Valid {
			s.applyDatedTime(dateTime(m.Date, m.Time))
		}
	case nmea.ZDA:
		if m.Year > 0 && m.Time.Valid {
			s.applyDatedTime(time.Date(int(m.Year), time.Month(m.Month), int(m.Day),
				m.Time.Hour, m.Time.Minute, m.Time.Second, m.Time.Millisecond*1e6, time.UTC))
		}
	}
	return false
}

func (s *Source) applyGGA(m nmea.GGA) {
	now := s.nowFunc()

	quality, err := strconv.Atoi(m.FixQuality)
	if err != nil {
		quality = 0
	}

	fix := &Fix{
		Latitude:    m.Latitude,
		Longitude:   m.Longitude,
		Altitude:    m.Altitude,
		HasAltitude: quality > 0,
		Quality:     quality,
		Satellites:  int(m.NumSatellites),
		HDOP:        m.HDOP,
		HasHDOP:     m.HDOP > 0,
		Time:        s.fixTime(m.Time, now),
	}

	s.mu.Lock()
	s.fix = fix
	s.lastUpdate = now
	s.mu.Unlock()
}

// fixTime combines a GGA time-of-day with the best-known calendar
// date: the GPS-supplied one when we have seen a dated sentence,
// otherwise the system date.
func (s *Source) fixTime(t nmea.Time, now time.Time) time.Time {
	if !t.Valid {
		return now.UTC()
	}
	base := now.UTC()
	if !s.lastDate.IsZero() {
		base = s.lastDate
	}
	return time.Date(base.Year(), base.Month(), base.Day(),
		t.Hour, t.Minute, t.Second, t.Millisecond*1e6, time.UTC)
}

// applyDatedTime handles a sentence carrying both date and time:
// remember the date for fix timestamps and, on the configured cadence,
// discipline the system clock.
func (s *Source) applyDatedTime(gpsTime time.Time) {
	s.lastDate = gpsTime.Truncate(24 * time.Hour)

	if !s.cfg.SyncSystemClock {
		return
	}
	now := s.nowFunc()
	if !s.lastClockSync.IsZero() && now.Sub(s.lastClockSync) < clockSyncInterval {
		return
	}
	s.lastClockSync = now

	diff := gpsTime.Sub(now)
	if diff < 0 {
		diff = -diff
	}
	if diff <= clockSyncThreshold {
		return
	}

	if err := s.setClock(gpsTime); err != nil {
		log.Printf("gps time sync failed: %v", err)
		return
	}
	log.Printf("system clock stepped by %v from gps time", gpsTime.Sub(now).Round(time.Millisecond))
	if s.syncHook != nil {
		s.syncHook()
	}
}

// CurrentFix returns a snapshot of the current fix, or nil if no fix
// has ever been received or the fix has gone stale. Staleness is
// enforced here, at read time.
func (s *Source) CurrentFix() *Fix {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fix == nil {
		return nil
	}
	if s.nowFunc().Sub(s.lastUpdate) > staleAfter {
		return nil
	}
	fix := *s.fix
	return &fix
}

// WaitForFix polls until a valid fix appears or the timeout elapses.
// Startup use only; the capture path never waits on GPS.
func (s *Source) WaitForFix(timeout time.Duration) (*Fix, error) {
	deadline := time.Now().Add(timeout)
	for {
		if _, err := s.Update(); err != nil {
			return nil, err
		}
		if fix := s.CurrentFix(); fix != nil && fix.Valid() {
			return fix, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("no valid gps fix within %s", timeout)
		}
		time.Sleep(waitPollInterval)
	}
}

func (s *Source) State() State {
	return s.state
}

func (s *Source) Close() error {
	if s.port == nil {
		return nil
	}
	err := s.port.Close()
	s.port = nil
	s.state = Disconnected
	return err
}

func dateTime(d nmea.Date, t nmea.Time) time.Time {
	return time.Date(2000+d.YY, time.Month(d.MM), d.DD,
		t.Hour, t.Minute, t.Second, t.Millisecond*1e6, time.UTC)
}

func setSystemClock(t time.Time) error {
	tv := unix.NsecToTimeval(t.UnixNano())
	return unix.Settimeofday(&tv)
}
