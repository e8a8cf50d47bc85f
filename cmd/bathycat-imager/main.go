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
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	arg "github.com/alexflint/go-arg"
	"github.com/coreos/go-systemd/daemon"
	"gopkg.in/natefinch/lumberjack.v2"
	"periph.io/x/periph/host"

	"github.com/Mike-Bollinger/BathyCat-Seabed-Imager-sub000/camera"
	"github.com/Mike-Bollinger/BathyCat-Seabed-Imager-sub000/exiftag"
	"github.com/Mike-Bollinger/BathyCat-Seabed-Imager-sub000/gps"
	"github.com/Mike-Bollinger/BathyCat-Seabed-Imager-sub000/orchestrator"
	"github.com/Mike-Bollinger/BathyCat-Seabed-Imager-sub000/sequence"
	"github.com/Mike-Bollinger/BathyCat-Seabed-Imager-sub000/statusled"
	"github.com/Mike-Bollinger/BathyCat-Seabed-Imager-sub000/storage"
	"github.com/Mike-Bollinger/BathyCat-Seabed-Imager-sub000/timebase"
)

var version = "<not set>"

type Args struct {
	ConfigFile string `arg:"-c,--config" help:"path to configuration file"`
	Timestamps bool   `arg:"-t,--timestamps" help:"include timestamps in log output"`
	LogFile    string `arg:"-l,--log-file" help:"also write log output to this file (rotated)"`
	DryRun     bool   `arg:"-n,--dry-run" help:"capture to a temp directory instead of the configured storage"`
}

func (Args) Version() string {
	return version
}

func procArgs() Args {
	var args Args
	args.ConfigFile = "/etc/bathycat-imager.yaml"
	arg.MustParse(&args)
	return args
}

func main() {
	err := runMain()
	if err != nil {
		log.Fatal(err)
	}
}

func runMain() error {
	args := procArgs()

	if !args.Timestamps {
		log.SetFlags(0) // Removes default timestamp flag
	}
	if args.LogFile != "" {
		log.SetOutput(io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   args.LogFile,
			MaxSize:    10, // MB
			MaxBackups: 5,
		}))
	}

	log.Printf("running version: %s", version)
	conf, err := ParseConfigFile(args.ConfigFile)
	if err != nil {
		return err
	}
	logConfig(conf)

	if args.DryRun {
		dir, err := os.MkdirTemp("", "bathycat-dryrun-")
		if err != nil {
			return err
		}
		log.Printf("dry run: writing to %s", dir)
		conf.Storage.BasePath = dir
	}

	log.Println("host initialisation")
	if _, err := host.Init(); err != nil {
		return err
	}

	sink, err := storage.New(conf.Storage)
	if err != nil {
		return err
	}
	if err := sink.Healthy(); err != nil {
		return err
	}
	log.Println("deleting temp files")
	if err := sink.RemoveStale(); err != nil {
		return err
	}

	var tb *timebase.TimeBase
	if conf.PPSPath != "" {
		tb = timebase.NewWithPPS(conf.PPSPath)
	} else {
		tb = timebase.New()
	}

	gpsSrc := gps.New(conf.GPS)
	defer gpsSrc.Close()
	// A clock step invalidates the monotonic offset; resync on the
	// next timestamp request.
	gpsSrc.SetSyncHook(tb.Invalidate)

	if err := gpsSrc.Connect(); err != nil {
		if conf.GPS.RequireFix {
			return err
		}
		log.Printf("gps connect failed, continuing without: %v", err)
	} else if conf.GPS.RequireFix {
		log.Println("waiting for gps fix")
		fix, err := gpsSrc.WaitForFix(conf.GPS.FixTimeout())
		if err != nil {
			return err
		}
		log.Printf("gps fix acquired: %.5f, %.5f (%d satellites)",
			fix.Latitude, fix.Longitude, fix.Satellites)
	}
	tb.Sync()

	log.Println("opening camera")
	cam, err := camera.New(conf.Camera, tb)
	if err != nil {
		return err
	}
	defer cam.Close()
	if err := cam.Initialize(); err != nil {
		return err
	}
	if cam.Overexposed() {
		log.Println("warning: test capture looks overexposed, check housing")
	}

	namer := sequence.New(conf.Prefix)
	now := time.Now().UTC()
	if seq, err := namer.Recover(sink.DayDir(now), now); err != nil {
		return err
	} else if seq > 0 {
		log.Printf("resuming image sequence after %d", seq)
	}

	tagger := &exiftag.Tagger{
		Make:      conf.Exif.Make,
		Model:     conf.Exif.Model,
		Software:  "bathycat-imager " + version,
		Copyright: conf.Exif.Copyright,
	}

	orch := orchestrator.New(conf.Capture, cam, gpsSrc, tagger, sink, namer)

	if conf.LEDPin != "" {
		led, err := statusled.New(conf.LEDPin)
		if err != nil {
			return err
		}
		go led.Run()
		defer led.Stop()
		orch.AddStatusSink(led)
	}
	if conf.MQTT.Broker != "" {
		pub, err := orchestrator.NewMQTTPublisher(conf.MQTT)
		if err != nil {
			log.Printf("mqtt unavailable, continuing without: %v", err)
		} else {
			defer pub.Close()
			orch.AddStatusSink(pub)
		}
	}
	orch.AddStatusSink(watchdogSink{})

	log.Println("starting d-bus service")
	if err := startService(orch, conf.Storage.BasePath); err != nil {
		log.Printf("d-bus unavailable, continuing without: %v", err)
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigs
		log.Printf("received %s, stopping", sig)
		orch.Stop()
	}()

	daemon.SdNotify(false, daemon.SdNotifyReady)
	return orch.Run()
}

// watchdogSink kicks the systemd watchdog on every status report.
// If the capture loop wedges the reports stop and systemd restarts
// the service.
type watchdogSink struct{}

func (watchdogSink) Push(orchestrator.Status) {
	daemon.SdNotify(false, "WATCHDOG=1")
}

func logConfig(conf *Config) {
	log.Printf("image prefix: %s", conf.Prefix)
	log.Printf("camera: %s %dx%d @ %.1f Hz", conf.Camera.Backend,
		conf.Camera.Width, conf.Camera.Height, conf.Capture.RateHz)
	log.Printf("gps port: %s @ %d baud", conf.GPS.Port, conf.GPS.Baud)
	log.Printf("storage: %s (keep %.1f GB free)",
		conf.Storage.BasePath, conf.Storage.MinFreeSpaceGB)
	if conf.PPSPath != "" {
		log.Printf("pps: %s", conf.PPSPath)
	}
	if conf.MQTT.Broker != "" {
		log.Printf("mqtt: %s -> %s", conf.MQTT.Broker, conf.MQTT.Topic)
	}
}
