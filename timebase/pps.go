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
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// readPPSAssert reads the last assert event from a kernel PPS device's
// sysfs node. The file has the form "1723671234.000000001#5": the
// CLOCK_REALTIME timestamp of the pulse edge and the event sequence
// number. The path may name either the device directory
// (/sys/class/pps/pps0) or the assert file itself.
func readPPSAssert(sysfsPath string) (time.Time, error) {
	if filepath.Base(sysfsPath) != "assert" {
		sysfsPath = filepath.Join(sysfsPath, "assert")
	}
	buf, err := os.ReadFile(sysfsPath)
	if err != nil {
		return time.Time{}, err
	}
	return parsePPSAssert(strings.TrimSpace(string(buf)))
}

func parsePPSAssert(s string) (time.Time, error) {
	stamp, _, found := strings.Cut(s, "#")
	if !found {
		return time.Time{}, fmt.Errorf("malformed pps assert %q", s)
	}
	secStr, nsecStr, found := strings.Cut(stamp, ".")
	if !found {
		return time.Time{}, fmt.Errorf("malformed pps assert %q", s)
	}
	sec, err := strconv.ParseInt(secStr, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("malformed pps assert %q", s)
	}
	// The fractional field is fixed-width nanoseconds.
	for len(nsecStr) < 9 {
		nsecStr += "0"
	}
	nsec, err := strconv.ParseInt(nsecStr[:9], 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("malformed pps assert %q", s)
	}
	return time.Unix(sec, nsec), nil
}
