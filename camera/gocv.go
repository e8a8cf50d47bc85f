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

	"gocv.io/x/gocv"
)

// gocvBackend captures through OpenCV's VideoCapture. The V4L2
// backend of OpenCV reports the kernel buffer timestamp through
// CAP_PROP_POS_MSEC, which gives us a hardware-adjacent capture time.
type gocvBackend struct {
	cfg Config
	cap *gocv.VideoCapture
	mat gocv.Mat
}

func (b *gocvBackend) Name() string { return "gocv" }

func (b *gocvBackend) Open(conf Config) error {
	cap, err := gocv.OpenVideoCapture(conf.DeviceID)
	if err != nil {
		return err
	}
	if !cap.IsOpened() {
		cap.Close()
		return fmt.Errorf("device %d did not open", conf.DeviceID)
	}
	b.cfg = conf
	b.cap = cap
	b.mat = gocv.NewMat()

	cap.Set(gocv.VideoCaptureFrameWidth, float64(conf.Width))
	cap.Set(gocv.VideoCaptureFrameHeight, float64(conf.Height))
	cap.Set(gocv.VideoCaptureFPS, float64(conf.FPS))

	if conf.Exposure > 0 {
		// V4L2 exposure_auto: 1 is manual mode.
		cap.Set(gocv.VideoCaptureAutoExposure, 1)
		cap.Set(gocv.VideoCaptureExposure, conf.Exposure)
	} else {
		cap.Set(gocv.VideoCaptureAutoExposure, 3)
	}
	if conf.Gain > 0 {
		cap.Set(gocv.VideoCaptureGain, conf.Gain)
	}
	if conf.AutoWhiteBalance {
		cap.Set(gocv.VideoCaptureAutoWB, 1)
	} else {
		cap.Set(gocv.VideoCaptureAutoWB, 0)
		if conf.WhiteBalanceTemp > 0 {
			cap.Set(gocv.VideoCaptureWBTemperature, float64(conf.WhiteBalanceTemp))
		}
	}
	return nil
}

func (b *gocvBackend) Grab() ([]byte, int64, error) {
	if b.cap == nil {
		return nil, 0, errors.New("device not open")
	}

	if ok := b.cap.Read(&b.mat); !ok || b.mat.Empty() {
		return nil, 0, nil
	}
	monoNs := int64(b.cap.Get(gocv.VideoCapturePosMsec) * 1e6)
	if monoNs < 0 {
		monoNs = 0
	}

	buf, err := gocv.IMEncode(gocv.JPEGFileExt, b.mat)
	if err != nil {
		return nil, 0, err
	}
	defer buf.Close()
	data := make([]byte, buf.Len())
	copy(data, buf.GetBytes())
	return data, monoNs, nil
}

func (b *gocvBackend) Params() Params {
	p := Params{
		Exposure:         b.cfg.Exposure,
		Gain:             b.cfg.Gain,
		AutoWhiteBalance: b.cfg.AutoWhiteBalance,
		WhiteBalanceTemp: b.cfg.WhiteBalanceTemp,
	}
	if b.cap == nil {
		return p
	}
	// Prefer what the driver actually settled on.
	if v := b.cap.Get(gocv.VideoCaptureExposure); v > 0 {
		p.Exposure = v
	}
	if v := b.cap.Get(gocv.VideoCaptureGain); v > 0 {
		p.Gain = v
	}
	return p
}

func (b *gocvBackend) Close() error {
	if b.cap == nil {
		return nil
	}
	b.mat.Close()
	err := b.cap.Close()
	b.cap = nil
	return err
}
