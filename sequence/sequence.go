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

// Package sequence derives collision-free image filenames from a
// per-day counter and a capture timestamp.
package sequence

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"time"
)

// Namer assigns each image a per-day monotonically increasing sequence
// number and composes the on-disk filename:
//
//	{prefix}_{YYYYMMDD}-{HHMMSS}-{mmm}_{NNNNN}.jpg
//
// The counter, not the timestamp, is the uniqueness guarantee: two
// captures in the same millisecond still get distinct names. The
// counter resets to 1 on the first capture of a new calendar day.
//
// Namer is not safe for concurrent use; the capture tick is its only
// writer.
type Namer struct {
	prefix     string
	counter    int
	activeDate string // YYYYMMDD the counter applies to
}

func New(prefix string) *Namer {
	return &Namer{prefix: prefix}
}

// Next assigns the next sequence number for the given capture
// timestamp and returns the derived filename. Timestamps are expected
// to be non-decreasing; for any such sequence of calls the returned
// names are unique and lexically sortable by capture order within a
// day.
func (n *Namer) Next(ts time.Time) (name string, seq int) {
	ts = ts.UTC()
	date := ts.Format("20060102")
	if date != n.activeDate {
		n.activeDate = date
		n.counter = 0
	}
	n.counter++

	name = fmt.Sprintf("%s_%s-%s-%03d_%05d.jpg",
		n.prefix, date, ts.Format("150405"), ts.Nanosecond()/1e6, n.counter)
	return name, n.counter
}

var reSeqSuffix = regexp.MustCompile(`_(\d{5})\.jpg$`)

// Recover scans an existing day directory and resumes the counter
// after the highest sequence number already on disk, so a restart
// part-way through the day cannot reuse a name from the previous run.
// A missing directory leaves the counter untouched.
func (n *Namer) Recover(dayDir string, ts time.Time) (int, error) {
	entries, err := os.ReadDir(dayDir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	highest := 0
	for _, entry := range entries {
		m := reSeqSuffix.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}
		seq, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		if seq > highest {
			highest = seq
		}
	}

	if highest > 0 {
		n.activeDate = ts.UTC().Format("20060102")
		n.counter = highest
	}
	return highest, nil
}