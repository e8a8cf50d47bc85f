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

package camera

import (
	"context"
	"fmt"
	"log"
	"os/exec"
	"strconv"
	"time"
)

// One still capture must complete well within a capture tick; a tool
// that hangs longer than this counts as a missed frame.
const stillTimeout = 5 * time.Second

// stillBackend shells out to whichever still-capture tool the OS
// provides: rpicam-jpeg (current Raspberry Pi OS), libcamera-jpeg
// (older releases) or fswebcam (USB cameras without V4L2 MJPEG).
// Slowest backend, but works everywhere and needs no libraries.
type stillBackend struct {
	cfg  Config
	path string
	args []string
}

var stillTools = []string{"rpicam-jpeg", "libcamera-jpeg", "fswebcam"}

func (b *stillBackend) Name() string { return "still" }

func (b *stillBackend) Open(conf Config) error {
	b.cfg = conf
	for _, tool := range stillTools {
		path, err := exec.LookPath(tool)
		if err != nil {
			continue
		}
		b.path = path
		b.args = stillArgs(tool, conf)
		log.Printf("still capture via %s", path)
		return nil
	}
	return fmt.Errorf("no still capture tool found (tried %v)", stillTools)
}

func stillArgs(tool string, conf Config) []string {
	switch tool {
	case "fswebcam":
		return []string{
			"-d", conf.Device,
			"-r", fmt.Sprintf("%dx%d", conf.Width, conf.Height),
			"--no-banner",
			"--jpeg", "90",
			"-", // stdout
		}
	default: // rpicam-jpeg / libcamera-jpeg share flags
		args := []string{
			"-o", "-",
			"--width", strconv.Itoa(conf.Width),
			"--height", strconv.Itoa(conf.Height),
			"-t", "1",
			"--nopreview",
		}
		if conf.Exposure > 0 {
			// libcamera takes shutter time in microseconds.
			args = append(args, "--shutter", strconv.Itoa(int(conf.Exposure*1e6)))
		}
		if conf.Gain > 0 {
			args = append(args, "--gain", strconv.FormatFloat(conf.Gain, 'f', -1, 64))
		}
		return args
	}
}

func (b *stillBackend) Grab() ([]byte, int64, error) {
	if b.path == "" {
		return nil, 0, fmt.Errorf("still backend not opened")
	}

	ctx, cancel := context.WithTimeout(context.Background(), stillTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, b.path, b.args...).Output()
	if err != nil || len(out) == 0 {
		// A failed shot is a transient miss; the orchestrator decides
		// when enough misses mean the camera is gone.
		return nil, 0, nil
	}
	return out, 0, nil
}

func (b *stillBackend) Params() Params {
	return Params{
		Exposure:         b.cfg.Exposure,
		Gain:             b.cfg.Gain,
		AutoWhiteBalance: b.cfg.AutoWhiteBalance,
		WhiteBalanceTemp: b.cfg.WhiteBalanceTemp,
	}
}

func (b *stillBackend) Close() error {
	b.path = ""
	return nil
}
