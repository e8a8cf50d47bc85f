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

package main

import (
	"errors"
	"io/ioutil"

	yaml "gopkg.in/yaml.v2"

	"github.com/Mike-Bollinger/BathyCat-Seabed-Imager-sub000/camera"
	"github.com/Mike-Bollinger/BathyCat-Seabed-Imager-sub000/gps"
	"github.com/Mike-Bollinger/BathyCat-Seabed-Imager-sub000/orchestrator"
	"github.com/Mike-Bollinger/BathyCat-Seabed-Imager-sub000/storage"
)

type Config struct {
	Prefix  string                  `yaml:"prefix"`
	LEDPin  string                  `yaml:"led-pin"`
	PPSPath string                  `yaml:"pps-path"`
	Capture orchestrator.Config     `yaml:"capture"`
	Camera  camera.Config           `yaml:"camera"`
	GPS     gps.Config              `yaml:"gps"`
	Storage storage.Config          `yaml:"storage"`
	MQTT    orchestrator.MQTTConfig `yaml:"mqtt"`
	Exif    ExifConfig              `yaml:"exif"`
}

type ExifConfig struct {
	Make      string `yaml:"make"`
	Model     string `yaml:"model"`
	Copyright string `yaml:"copyright"`
}

func (conf *Config) Validate() error {
	if conf.Prefix == "" {
		return errors.New("prefix must be set")
	}
	if err := conf.Capture.Validate(); err != nil {
		return err
	}
	if err := conf.Camera.Validate(); err != nil {
		return err
	}
	if err := conf.GPS.Validate(); err != nil {
		return err
	}
	if err := conf.Storage.Validate(); err != nil {
		return err
	}
	return conf.MQTT.Validate()
}

var defaultConfig = Config{
	Prefix:  "bathycat",
	LEDPin:  "GPIO26",
	Capture: orchestrator.DefaultConfig(),
	Camera:  camera.DefaultConfig(),
	GPS:     gps.DefaultConfig(),
	Storage: storage.DefaultConfig(),
	MQTT:    orchestrator.DefaultMQTTConfig(),
	Exif: ExifConfig{
		Make:  "BathyCat",
		Model: "Seabed Imager",
	},
}

func ParseConfigFile(filename string) (*Config, error) {
	buf, err := ioutil.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	return ParseConfig(buf)
}

func ParseConfig(buf []byte) (*Config, error) {
	conf := defaultConfig
	if err := yaml.Unmarshal(buf, &conf); err != nil {
		return nil, err
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return &conf, nil
}
