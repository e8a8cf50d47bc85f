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

// Package storage writes captured images to a date-partitioned
// directory tree on the USB drive and keeps the drive from filling up.
package storage

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"time"

	"golang.org/x/sys/unix"
)

const (
	imagesDirName = "images"
	tempExt       = ".temp"
	dayDirFormat  = "20060102"
)

var (
	// ErrNoSpace means the drive is below the free-space floor even
	// after cleanup. The frame is dropped.
	ErrNoSpace = errors.New("not enough free space")

	// ErrNotMounted means the target directory is not writable at all,
	// typically a silently unmounted USB drive. This is the one storage
	// condition the orchestrator treats as fatal.
	ErrNotMounted = errors.New("storage not writable")
)

type Config struct {
	BasePath       string  `yaml:"base-path"`
	MinFreeSpaceGB float64 `yaml:"min-free-space-gb"`
	DaysToKeep     int     `yaml:"days-to-keep"`
}

func DefaultConfig() Config {
	return Config{
		BasePath:       "/media/usb",
		MinFreeSpaceGB: 1.0,
		DaysToKeep:     0, // keep everything until space runs low
	}
}

func (conf *Config) Validate() error {
	if conf.BasePath == "" {
		return errors.New("storage base-path not set")
	}
	if conf.MinFreeSpaceGB < 0 {
		return errors.New("min-free-space-gb should not be negative")
	}
	if conf.DaysToKeep < 0 {
		return errors.New("days-to-keep should not be negative")
	}
	return nil
}

// Sink writes image files under {base}/images/{YYYYMMDD}/.
type Sink struct {
	base    string // the images root
	minFree uint64 // bytes
	keep    int

	// overridable for testing
	statfs func(dir string) (free uint64, err error)
}

func New(conf Config) (*Sink, error) {
	s := &Sink{
		base:    filepath.Join(conf.BasePath, imagesDirName),
		minFree: uint64(conf.MinFreeSpaceGB * 1e9),
		keep:    conf.DaysToKeep,
		statfs:  freeBytes,
	}
	if err := os.MkdirAll(s.base, 0755); err != nil {
		return nil, fmt.Errorf("creating images dir: %w", err)
	}
	return s, nil
}

// DayDir returns the directory images for the given timestamp land in.
func (s *Sink) DayDir(ts time.Time) string {
	return filepath.Join(s.base, ts.UTC().Format(dayDirFormat))
}

// Save writes the image under its day directory, gating on free space
// first. If space is low it cleans up the oldest day partitions and
// retries the space check once; it never retries beyond that. The
// write goes to a temp name and is renamed into place so readers of
// the tree never see a partial file.
func (s *Sink) Save(data []byte, ts time.Time, name string) (string, error) {
	if err := s.ensureSpace(ts); err != nil {
		return "", err
	}

	dir := s.DayDir(ts)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotMounted, err)
	}

	final := filepath.Join(dir, name)
	temp := final + tempExt

	if err := os.WriteFile(temp, data, 0644); err != nil {
		return "", fmt.Errorf("writing %s: %w", temp, err)
	}
	fi, err := os.Stat(temp)
	if err != nil {
		return "", err
	}
	if fi.Size() == 0 {
		os.Remove(temp)
		return "", fmt.Errorf("zero byte write for %s", name)
	}
	if err := os.Rename(temp, final); err != nil {
		return "", err
	}
	return final, nil
}

// FreeSpace reports free bytes on the filesystem holding the images
// tree.
func (s *Sink) FreeSpace() (uint64, error) {
	return s.statfs(s.base)
}

// Healthy probes the mount with a write-then-delete. A statfs alone is
// not enough: a vanished USB drive can leave a perfectly statable
// mount point directory behind.
func (s *Sink) Healthy() error {
	probe := filepath.Join(s.base, ".probe")
	if err := os.WriteFile(probe, []byte("ok"), 0644); err != nil {
		return fmt.Errorf("%w: %v", ErrNotMounted, err)
	}
	if err := os.Remove(probe); err != nil {
		return fmt.Errorf("%w: %v", ErrNotMounted, err)
	}
	return nil
}

// RemoveStale deletes leftover temp files from an interrupted previous
// run.
func (s *Sink) RemoveStale() error {
	matches, _ := filepath.Glob(filepath.Join(s.base, "*", "*.jpg"+tempExt))
	for _, filename := range matches {
		if err := os.Remove(filename); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sink) ensureSpace(ts time.Time) error {
	free, err := s.statfs(s.base)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotMounted, err)
	}
	if free >= s.minFree {
		return nil
	}

	if n, err := s.Cleanup(ts); err != nil {
		return err
	} else if n > 0 {
		log.Printf("low space: removed %d old day partition(s)", n)
	}

	free, err = s.statfs(s.base)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotMounted, err)
	}
	if free < s.minFree {
		return ErrNoSpace
	}
	return nil
}

// Cleanup removes old day partitions, oldest first: anything beyond
// days-to-keep goes unconditionally, then more days go one at a time
// until free space is back above the floor. The current day is never
// removed.
func (s *Sink) Cleanup(now time.Time) (removed int, err error) {
	days, err := s.dayDirs()
	if err != nil {
		return 0, err
	}
	today := now.UTC().Format(dayDirFormat)

	for _, day := range days {
		if day == today {
			continue
		}
		expired := s.keep > 0 && dayAge(day, now) > s.keep
		if !expired {
			free, err := s.statfs(s.base)
			if err != nil {
				return removed, fmt.Errorf("%w: %v", ErrNotMounted, err)
			}
			if free >= s.minFree {
				break
			}
		}
		if err := os.RemoveAll(filepath.Join(s.base, day)); err != nil {
			return removed, err
		}
		log.Printf("removed old day partition %s", day)
		removed++
	}
	return removed, nil
}

// dayDirs lists existing day partitions sorted oldest first.
func (s *Sink) dayDirs() ([]string, error) {
	entries, err := os.ReadDir(s.base)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotMounted, err)
	}
	var days []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, err := time.Parse(dayDirFormat, entry.Name()); err != nil {
			continue
		}
		days = append(days, entry.Name())
	}
	sort.Strings(days)
	return days, nil
}

func dayAge(day string, now time.Time) int {
	t, err := time.Parse(dayDirFormat, day)
	if err != nil {
		return 0
	}
	return int(now.UTC().Sub(t).Hours() / 24)
}

func freeBytes(dir string) (uint64, error) {
	var fs unix.Statfs_t
	if err := unix.Statfs(dir, &fs); err != nil {
		return 0, err
	}
	return fs.Bavail * uint64(fs.Bsize), nil
}
