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

// Package exiftag embeds camera and GPS metadata into captured JPEGs.
// Every image gets a GPS block: when there is no valid fix the block
// carries 0°N 0°W with a satellite count of "0", so downstream tools
// can always tell "no fix" from "never tagged".
package exiftag

import (
	"bytes"
	"fmt"
	"math"
	"time"

	exif "github.com/dsoprea/go-exif/v3"
	exifcommon "github.com/dsoprea/go-exif/v3/common"
	jpegstructure "github.com/dsoprea/go-jpeg-image-structure/v2"

	"github.com/Mike-Bollinger/BathyCat-Seabed-Imager-sub000/camera"
	"github.com/Mike-Bollinger/BathyCat-Seabed-Imager-sub000/gps"
)

// Tagger writes the EXIF block. The identity fields end up in IFD0
// verbatim.
type Tagger struct {
	Make      string
	Model     string
	Software  string
	Copyright string
}

// Encode returns a copy of the JPEG with EXIF embedded: identity and
// exposure fields, the capture timestamp, and a GPS block derived
// from the fix (or the recognizable no-fix fallback when fix is nil
// or invalid).
func (t *Tagger) Encode(data []byte, fix *gps.Fix, ts time.Time, p camera.Params) ([]byte, error) {
	jmp := jpegstructure.NewJpegMediaParser()
	intfc, err := jmp.ParseBytes(data)
	if err != nil {
		return nil, fmt.Errorf("parsing jpeg: %w", err)
	}
	sl := intfc.(*jpegstructure.SegmentList)

	rootIb, err := sl.ConstructExifBuilder()
	if err != nil {
		// Camera backends that emit bare JPEG have no EXIF segment
		// yet; start from scratch.
		im, errMap := exifcommon.NewIfdMappingWithStandard()
		if errMap != nil {
			return nil, errMap
		}
		rootIb = exif.NewIfdBuilder(im, exif.NewTagIndex(),
			exifcommon.IfdStandardIfdIdentity, exifcommon.EncodeDefaultByteOrder)
	}

	if err := t.setIdentity(rootIb, ts); err != nil {
		return nil, err
	}
	if err := setExposure(rootIb, ts, p); err != nil {
		return nil, err
	}
	if err := setGPS(rootIb, fix, ts); err != nil {
		return nil, err
	}

	if err := sl.SetExif(rootIb); err != nil {
		return nil, err
	}
	out := new(bytes.Buffer)
	if err := sl.Write(out); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func (t *Tagger) setIdentity(rootIb *exif.IfdBuilder, ts time.Time) error {
	ib, err := exif.GetOrCreateIbFromRootIb(rootIb, "IFD")
	if err != nil {
		return err
	}
	fields := map[string]string{
		"Make":      t.Make,
		"Model":     t.Model,
		"Software":  t.Software,
		"Copyright": t.Copyright,
		"DateTime":  ts.UTC().Format("2006:01:02 15:04:05"),
	}
	for name, value := range fields {
		if value == "" {
			continue
		}
		if err := ib.SetStandardWithName(name, value); err != nil {
			return fmt.Errorf("setting %s: %w", name, err)
		}
	}
	return nil
}

func setExposure(rootIb *exif.IfdBuilder, ts time.Time, p camera.Params) error {
	ib, err := exif.GetOrCreateIbFromRootIb(rootIb, "IFD/Exif")
	if err != nil {
		return err
	}

	utc := ts.UTC()
	if err := ib.SetStandardWithName("DateTimeOriginal", utc.Format("2006:01:02 15:04:05")); err != nil {
		return err
	}
	if err := ib.SetStandardWithName("SubSecTimeOriginal", fmt.Sprintf("%03d", utc.Nanosecond()/1e6)); err != nil {
		return err
	}

	if p.Exposure > 0 {
		if err := ib.SetStandardWithName("ExposureTime", secondsToRational(p.Exposure)); err != nil {
			return err
		}
	}
	wb := uint16(1) // manual
	if p.AutoWhiteBalance {
		wb = 0
	}
	return ib.SetStandardWithName("WhiteBalance", []uint16{wb})
}

func setGPS(rootIb *exif.IfdBuilder, fix *gps.Fix, ts time.Time) error {
	ib, err := exif.GetOrCreateIbFromRootIb(rootIb, "IFD/GPSInfo")
	if err != nil {
		return err
	}

	if err := ib.SetStandardWithName("GPSVersionID", []byte{2, 3, 0, 0}); err != nil {
		return err
	}
	if err := ib.SetStandardWithName("GPSMapDatum", "WGS-84"); err != nil {
		return err
	}

	if fix == nil || !fix.Valid() {
		// The explicit no-fix tag: 0°N 0°W, zero satellites,
		// status "V" (void).
		tags := []struct {
			name  string
			value interface{}
		}{
			{"GPSLatitudeRef", "N"},
			{"GPSLatitude", degreesToRationals(0)},
			{"GPSLongitudeRef", "W"},
			{"GPSLongitude", degreesToRationals(0)},
			{"GPSSatellites", "0"},
			{"GPSStatus", "V"},
		}
		for _, tag := range tags {
			if err := ib.SetStandardWithName(tag.name, tag.value); err != nil {
				return fmt.Errorf("setting %s: %w", tag.name, err)
			}
		}
		return nil
	}

	latRef, lonRef := "N", "E"
	if fix.Latitude < 0 {
		latRef = "S"
	}
	if fix.Longitude < 0 {
		lonRef = "W"
	}

	tags := []struct {
		name  string
		value interface{}
	}{
		{"GPSLatitudeRef", latRef},
		{"GPSLatitude", degreesToRationals(fix.Latitude)},
		{"GPSLongitudeRef", lonRef},
		{"GPSLongitude", degreesToRationals(fix.Longitude)},
		{"GPSSatellites", fmt.Sprintf("%d", fix.Satellites)},
		{"GPSStatus", "A"},
		{"GPSDateStamp", fix.Time.UTC().Format("2006:01:02")},
		{"GPSTimeStamp", timeToRationals(fix.Time)},
	}
	if fix.HasAltitude {
		altRef := []byte{0} // above sea level
		alt := fix.Altitude
		if alt < 0 {
			altRef[0] = 1
			alt = -alt
		}
		tags = append(tags,
			struct {
				name  string
				value interface{}
			}{"GPSAltitudeRef", altRef},
			struct {
				name  string
				value interface{}
			}{"GPSAltitude", []exifcommon.Rational{scaledRational(alt, 100)}},
		)
	}
	if fix.HasHDOP {
		tags = append(tags, struct {
			name  string
			value interface{}
		}{"GPSDOP", []exifcommon.Rational{scaledRational(fix.HDOP, 100)}})
	}

	for _, tag := range tags {
		if err := ib.SetStandardWithName(tag.name, tag.value); err != nil {
			return fmt.Errorf("setting %s: %w", tag.name, err)
		}
	}
	return nil
}

// degreesToRationals converts decimal degrees to the EXIF
// degrees/minutes/seconds triple. The sign is carried by the ref tag.
func degreesToRationals(deg float64) []exifcommon.Rational {
	deg = math.Abs(deg)
	d := math.Floor(deg)
	m := math.Floor((deg - d) * 60)
	s := (deg - d - m/60) * 3600

	return []exifcommon.Rational{
		{Numerator: uint32(d), Denominator: 1},
		{Numerator: uint32(m), Denominator: 1},
		scaledRational(s, 1000),
	}
}

func timeToRationals(t time.Time) []exifcommon.Rational {
	utc := t.UTC()
	return []exifcommon.Rational{
		{Numerator: uint32(utc.Hour()), Denominator: 1},
		{Numerator: uint32(utc.Minute()), Denominator: 1},
		{Numerator: uint32(utc.Second()), Denominator: 1},
	}
}

func secondsToRational(secs float64) []exifcommon.Rational {
	if secs >= 1 {
		return []exifcommon.Rational{scaledRational(secs, 1000)}
	}
	// Conventional 1/n form for short exposures.
	return []exifcommon.Rational{
		{Numerator: 1, Denominator: uint32(math.Round(1 / secs))},
	}
}

func scaledRational(v float64, denom uint32) exifcommon.Rational {
	return exifcommon.Rational{
		Numerator:   uint32(math.Round(v * float64(denom))),
		Denominator: denom,
	}
}
