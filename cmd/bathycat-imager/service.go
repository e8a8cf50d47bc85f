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
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/godbus/dbus"
	"github.com/godbus/dbus/introspect"

	"github.com/Mike-Bollinger/BathyCat-Seabed-Imager-sub000/orchestrator"
)

const (
	dbusName = "org.bathycat.imager"
	dbusPath = "/org/bathycat/imager"

	snapshotMinInterval = 500 * time.Millisecond
)

type service struct {
	orch *orchestrator.Orchestrator
	dir  string

	mu           sync.Mutex
	lastSnapshot time.Time
}

func startService(orch *orchestrator.Orchestrator, dir string) error {
	conn, err := dbus.SystemBus()
	if err != nil {
		return err
	}
	reply, err := conn.RequestName(dbusName, dbus.NameFlagDoNotQueue)
	if err != nil {
		return err
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return errors.New("name already taken")
	}

	s := &service{
		orch: orch,
		dir:  dir,
	}
	conn.Export(s, dbusPath, dbusName)
	conn.Export(genIntrospectable(s), dbusPath, "org.freedesktop.DBus.Introspectable")

	return nil
}

func genIntrospectable(v interface{}) introspect.Introspectable {
	node := &introspect.Node{
		Interfaces: []introspect.Interface{{
			Name:    dbusName,
			Methods: introspect.Methods(v),
		}},
	}
	return introspect.NewIntrospectable(node)
}

// Status returns the capture loop status as JSON.
func (s *service) Status() (string, *dbus.Error) {
	buf, err := json.Marshal(s.orch.Status())
	if err != nil {
		return "", dbusErr("Status", err)
	}
	return string(buf), nil
}

// LastImage returns the path of the most recently saved image.
func (s *service) LastImage() (string, *dbus.Error) {
	name := s.orch.Status().LastImage
	if name == "" {
		return "", dbusErr("LastImage", errors.New("no image captured yet"))
	}
	return name, nil
}

// TakeSnapshot saves the most recent image as a still for preview
// during deployment checks. Calls are rate limited so a trigger-happy
// client cannot hammer the storage.
func (s *service) TakeSnapshot() (string, *dbus.Error) {
	s.mu.Lock()
	if time.Since(s.lastSnapshot) < snapshotMinInterval {
		s.mu.Unlock()
		return "", dbusErr("TakeSnapshot", errors.New("too soon since last snapshot"))
	}
	s.lastSnapshot = time.Now()
	s.mu.Unlock()

	frame := s.orch.LatestFrame()
	if frame == nil {
		return "", dbusErr("TakeSnapshot", errors.New("no image captured yet"))
	}
	name := filepath.Join(s.dir, "still.jpg")
	if err := os.WriteFile(name, frame, 0644); err != nil {
		return "", dbusErr("TakeSnapshot", err)
	}
	return name, nil
}

func dbusErr(method string, err error) *dbus.Error {
	return &dbus.Error{
		Name: dbusName + "." + method,
		Body: []interface{}{err.Error()},
	}
}
