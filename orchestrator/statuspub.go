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

package orchestrator

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const mqttConnectTimeout = 5 * time.Second

type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client-id"`
	Topic    string `yaml:"topic"`
}

func DefaultMQTTConfig() MQTTConfig {
	return MQTTConfig{
		ClientID: "bathycat-imager",
		Topic:    "bathycat/status",
	}
}

func (conf *MQTTConfig) Validate() error {
	if conf.Broker == "" {
		return nil // publishing disabled
	}
	if conf.Topic == "" {
		return errors.New("mqtt topic must be set when a broker is configured")
	}
	return nil
}

// MQTTPublisher pushes each status report to an MQTT broker as JSON.
// Shore-side dashboards subscribe to the topic to watch the rig
// without pulling the tether.
type MQTTPublisher struct {
	client mqtt.Client
	topic  string
}

// NewMQTTPublisher connects to the broker. Publishing is fire and
// forget after this; a dropped broker connection is retried by the
// paho auto-reconnect machinery, not by us.
func NewMQTTPublisher(conf MQTTConfig) (*MQTTPublisher, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(conf.Broker).
		SetClientID(conf.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(mqttConnectTimeout)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connecting to MQTT broker: %w", token.Error())
	}
	return &MQTTPublisher{
		client: client,
		topic:  conf.Topic,
	}, nil
}

// Push implements StatusSink.
func (p *MQTTPublisher) Push(status Status) {
	msg, err := json.Marshal(status)
	if err != nil {
		return
	}
	p.client.Publish(p.topic, 0, true, msg)
}

func (p *MQTTPublisher) Close() {
	p.client.Disconnect(250)
}
