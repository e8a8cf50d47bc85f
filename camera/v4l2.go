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
	"errors"
	"fmt"

	"github.com/blackjack/webcam"
)

// fourcc 'MJPG'
const pixelFormatMJPEG = webcam.PixelFormat(0x47504A4D)

const frameWaitSecs = 2

// v4l2Backend streams MJPEG straight from the V4L2 device. No OpenCV
// install needed, but also no re-encode: the camera must produce
// MJPEG itself.
type v4l2Backend struct {
	cfg Config
	cam *webcam.Webcam
}

func (b *v4l2Backend) Name() string { return "v4l2" }

func (b *v4l2Backend) Open(conf Config) error {
	cam, err := webcam.Open(conf.Device)
	if err != nil {
		return err
	}

	if _, ok := cam.GetSupportedFormats()[pixelFormatMJPEG]; !ok {
		cam.Close()
		return fmt.Errorf("%s does not support MJPEG", conf.Device)
	}
	if _, _, _, err := cam.SetImageFormat(pixelFormatMJPEG, uint32(conf.Width), uint32(conf.Height)); err != nil {
		cam.Close()
		return err
	}
	// Best effort; many UVC cameras ignore the rate anyway.
	cam.SetFramerate(float32(conf.FPS))

	if err := cam.StartStreaming(); err != nil {
		cam.Close()
		return err
	}
	b.cfg = conf
	b.cam = cam
	return nil
}

func (b *v4l2Backend) Grab() ([]byte, int64, error) {
	if b.cam == nil {
		return nil, 0, errors.New("device not open")
	}

	err := b.cam.WaitForFrame(frameWaitSecs)
	switch err.(type) {
	case nil:
	case *webcam.Timeout:
		return nil, 0, nil
	default:
		return nil, 0, err
	}

	frame, err := b.cam.ReadFrame()
	if err != nil {
		return nil, 0, err
	}
	if len(frame) == 0 {
		return nil, 0, nil
	}
	// The driver recycles the frame buffer; hand out a copy.
	return append([]byte(nil), frame...), 0, nil
}

func (b *v4l2Backend) Params() Params {
	return Params{
		Exposure:         b.cfg.Exposure,
		Gain:             b.cfg.Gain,
		AutoWhiteBalance: b.cfg.AutoWhiteBalance,
		WhiteBalanceTemp: b.cfg.WhiteBalanceTemp,
	}
}

func (b *v4l2Backend) Close() error {
	if b.cam == nil {
		return nil
	}
	b.cam.StopStreaming()
	err := b.cam.Close()
	b.cam = nil
	return err
}
