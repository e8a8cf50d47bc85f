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

// Package statusled drives the deck-visible status LED. The rig is
// sealed and headless so the LED is the only at-a-glance health
// indicator during deployment checks.
package statusled

import (
	"fmt"
	"sync"
	"time"

	"periph.io/x/periph/conn/gpio"
	"periph.io/x/periph/conn/gpio/gpioreg"

	"github.com/Mike-Bollinger/BathyCat-Seabed-Imager-sub000/orchestrator"
)

type Mode int

const (
	Off Mode = iota
	Solid
	SlowBlink // capturing but no GPS fix
	FastBlink // camera trouble
)

const (
	slowPeriod = time.Second
	fastPeriod = 200 * time.Millisecond
)

// LED implements orchestrator.StatusSink on a GPIO pin.
type LED struct {
	pin gpio.PinOut

	mu    sync.Mutex
	mode  Mode
	level gpio.Level
	stop  chan struct{}
	once  sync.Once
}

func New(pinName string) (*LED, error) {
	pin := gpioreg.ByName(pinName)
	if pin == nil {
		return nil, fmt.Errorf("no GPIO pin named %q", pinName)
	}
	return NewWithPin(pin), nil
}

func NewWithPin(pin gpio.PinOut) *LED {
	return &LED{
		pin:  pin,
		stop: make(chan struct{}),
	}
}

// Push implements orchestrator.StatusSink. Steady modes take effect
// immediately; blink modes are driven by the Run loop.
func (l *LED) Push(status orchestrator.Status) {
	mode := modeFor(status)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.mode = mode
	switch mode {
	case Off:
		l.set(gpio.Low)
	case Solid:
		l.set(gpio.High)
	}
}

// Run blinks until Stop is called. Steady modes just idle.
func (l *LED) Run() {
	for {
		select {
		case <-l.stop:
			l.mu.Lock()
			l.set(gpio.Low)
			l.mu.Unlock()
			return
		default:
		}

		l.mu.Lock()
		mode := l.mode
		if mode == SlowBlink || mode == FastBlink {
			l.set(!l.level)
		}
		l.mu.Unlock()

		switch mode {
		case FastBlink:
			time.Sleep(fastPeriod / 2)
		default:
			time.Sleep(slowPeriod / 2)
		}
	}
}

func (l *LED) Stop() {
	l.once.Do(func() { close(l.stop) })
}

// set writes the pin. Caller holds mu.
func (l *LED) set(level gpio.Level) {
	if err := l.pin.Out(level); err == nil {
		l.level = level
	}
}

func modeFor(status orchestrator.Status) Mode {
	switch {
	case !status.Running:
		return Off
	case status.CameraState == "failed":
		return FastBlink
	case !status.GPSFixPresent:
		return SlowBlink
	default:
		return Solid
	}
}
