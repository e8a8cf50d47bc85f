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

// Package loglimit rate-limits repetitive log output. Per-tick noise
// (unparsable NMEA sentences, transient frame misses) can occur many
// times a second; letting it all through would flood the journal on a
// long deployment.
package loglimit

import (
	"fmt"
	"log"
	"sync"
	"time"
)

// Messages are suppressed by key, so variable detail (the sentence
// text, the errno) doesn't defeat the limiter.
type entry struct {
	lastLogged time.Time
	suppressed int
}

// Limiter logs the first message for a key, then suppresses further
// messages for that key until the interval has passed, at which point
// it logs the new message along with a count of what was dropped.
type Limiter struct {
	interval time.Duration
	nowFunc  func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
}

func New(interval time.Duration) *Limiter {
	return &Limiter{
		interval: interval,
		nowFunc:  time.Now,
		entries:  make(map[string]*entry),
	}
}

func (l *Limiter) Printf(key, format string, v ...interface{}) {
	l.Print(key, fmt.Sprintf(format, v...))
}

func (l *Limiter) Print(key, s string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.nowFunc()
	e := l.entries[key]
	if e == nil {
		e = new(entry)
		l.entries[key] = e
	}

	if !e.lastLogged.IsZero() && now.Sub(e.lastLogged) < l.interval {
		e.suppressed++
		return
	}

	if e.suppressed > 0 {
		log.Printf("%s (%d similar suppressed)", s, e.suppressed)
	} else {
		log.Print(s)
	}
	e.lastLogged = now
	e.suppressed = 0
}
