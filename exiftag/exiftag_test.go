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

package exiftag

import (
	"bytes"
	"image"
	"image/jpeg"
	"testing"
	"time"

	exif "github.com/dsoprea/go-exif/v3"
	exifcommon "github.com/dsoprea/go-exif/v3/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mike-Bollinger/BathyCat-Seabed-Imager-sub000/camera"
	"github.com/Mike-Bollinger/BathyCat-Seabed-Imager-sub000/gps"
)

var captureTime = time.Date(2024, 8, 14, 10, 30, 9, 37*1e6, time.UTC)

func testTagger() *Tagger {
	return &Tagger{
		Make:     "BathyCat",
		Model:    "Seabed Imager",
		Software: "bathycat-imager",
	}
}

func bareJPEG(t *testing.T) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 64, 48))
	buf := new(bytes.Buffer)
	require.NoError(t, jpeg.Encode(buf, img, nil))
	return buf.Bytes()
}

func extractTags(t *testing.T, data []byte) map[string]exif.ExifTag {
	t.Helper()
	raw, err := exif.SearchAndExtractExif(data)
	require.NoError(t, err)
	entries, _, err := exif.GetFlatExifData(raw, nil)
	require.NoError(t, err)

	tags := make(map[string]exif.ExifTag)
	for _, entry := range entries {
		tags[entry.TagName] = entry
	}
	return tags
}

func rationalDegrees(t *testing.T, tag exif.ExifTag) float64 {
	t.Helper()
	dms, ok := tag.Value.([]exifcommon.Rational)
	require.True(t, ok, "expected rational triple, got %T", tag.Value)
	require.Len(t, dms, 3)

	toF := func(r exifcommon.Rational) float64 {
		return float64(r.Numerator) / float64(r.Denominator)
	}
	return toF(dms[0]) + toF(dms[1])/60 + toF(dms[2])/3600
}

func TestEncodeWithFix(t *testing.T) {
	fix := &gps.Fix{
		Latitude:    45.5,
		Longitude:   -122.5,
		Altitude:    10.0,
		HasAltitude: true,
		Quality:     1,
		Satellites:  8,
		HDOP:        0.9,
		HasHDOP:     true,
		Time:        captureTime,
	}

	out, err := testTagger().Encode(bareJPEG(t), fix, captureTime, camera.Params{Exposure: 0.01})
	require.NoError(t, err)

	tags := extractTags(t, out)
	assert.Equal(t, "BathyCat", tags["Make"].Formatted)
	assert.Equal(t, "Seabed Imager", tags["Model"].Formatted)
	assert.Equal(t, "2024:08:14 10:30:09", tags["DateTimeOriginal"].Formatted)
	assert.Equal(t, "037", tags["SubSecTimeOriginal"].Formatted)

	assert.Equal(t, "N", tags["GPSLatitudeRef"].Formatted)
	assert.Equal(t, "W", tags["GPSLongitudeRef"].Formatted)
	assert.InDelta(t, 45.5, rationalDegrees(t, tags["GPSLatitude"]), 0.0001)
	assert.InDelta(t, 122.5, rationalDegrees(t, tags["GPSLongitude"]), 0.0001)
	assert.Equal(t, "8", tags["GPSSatellites"].Formatted)
	assert.Equal(t, "A", tags["GPSStatus"].Formatted)
	assert.Equal(t, "2024:08:14", tags["GPSDateStamp"].Formatted)

	alt, ok := tags["GPSAltitude"].Value.([]exifcommon.Rational)
	require.True(t, ok)
	assert.Equal(t, uint32(1000), alt[0].Numerator)
	assert.Equal(t, uint32(100), alt[0].Denominator)
}

func TestEncodeSouthWestRefs(t *testing.T) {
	fix := &gps.Fix{
		Latitude:   -36.85,
		Longitude:  174.76,
		Quality:    1,
		Satellites: 6,
		Time:       captureTime,
	}

	out, err := testTagger().Encode(bareJPEG(t), fix, captureTime, camera.Params{})
	require.NoError(t, err)

	tags := extractTags(t, out)
	assert.Equal(t, "S", tags["GPSLatitudeRef"].Formatted)
	assert.Equal(t, "E", tags["GPSLongitudeRef"].Formatted)
	assert.InDelta(t, 36.85, rationalDegrees(t, tags["GPSLatitude"]), 0.0001)
}

func TestEncodeNoFixFallback(t *testing.T) {
	out, err := testTagger().Encode(bareJPEG(t), nil, captureTime, camera.Params{})
	require.NoError(t, err)

	tags := extractTags(t, out)
	assert.Equal(t, "N", tags["GPSLatitudeRef"].Formatted)
	assert.Equal(t, "W", tags["GPSLongitudeRef"].Formatted)
	assert.Equal(t, 0.0, rationalDegrees(t, tags["GPSLatitude"]))
	assert.Equal(t, 0.0, rationalDegrees(t, tags["GPSLongitude"]))
	assert.Equal(t, "0", tags["GPSSatellites"].Formatted)
	assert.Equal(t, "V", tags["GPSStatus"].Formatted)
}

func TestEncodeInvalidFixGetsFallback(t *testing.T) {
	// Sentences arrived but the receiver never locked on.
	fix := &gps.Fix{Quality: 0, Satellites: 2, Time: captureTime}

	out, err := testTagger().Encode(bareJPEG(t), fix, captureTime, camera.Params{})
	require.NoError(t, err)

	tags := extractTags(t, out)
	assert.Equal(t, "0", tags["GPSSatellites"].Formatted)
	assert.Equal(t, "V", tags["GPSStatus"].Formatted)
}

func TestExposureAndWhiteBalance(t *testing.T) {
	out, err := testTagger().Encode(bareJPEG(t), nil, captureTime,
		camera.Params{Exposure: 0.005, AutoWhiteBalance: true})
	require.NoError(t, err)

	tags := extractTags(t, out)
	exposure, ok := tags["ExposureTime"].Value.([]exifcommon.Rational)
	require.True(t, ok)
	assert.Equal(t, uint32(1), exposure[0].Numerator)
	assert.Equal(t, uint32(200), exposure[0].Denominator)

	wb, ok := tags["WhiteBalance"].Value.([]uint16)
	require.True(t, ok)
	assert.Equal(t, uint16(0), wb[0])
}

func TestOutputStillDecodes(t *testing.T) {
	out, err := testTagger().Encode(bareJPEG(t), nil, captureTime, camera.Params{})
	require.NoError(t, err)

	img, err := jpeg.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, 64, img.Bounds().Dx())
}

func TestDegreesToRationals(t *testing.T) {
	dms := degreesToRationals(45.5)
	assert.Equal(t, uint32(45), dms[0].Numerator)
	assert.Equal(t, uint32(30), dms[1].Numerator)
	assert.Equal(t, uint32(0), dms[2].Numerator)

	dms = degreesToRationals(-122.51)
	assert.Equal(t, uint32(122), dms[0].Numerator)
	assert.Equal(t, uint32(30), dms[1].Numerator)
}
