/*
Inbound Router - mail routing and abuse classification for Freegle groups.
Copyright © 2019-2020 Max Mazurov <fox.cpp@disroot.org>, Maddy Mail Server contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package archive keeps a short-lived copy of every inbound message so that
// routing can be replayed after an incident, and keeps bounces that could
// not be parsed for later analysis.
package archive

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/freegle/inboundrouter/framework/log"
	"github.com/google/uuid"
)

const (
	modName = "archive"

	// Version of the JSON envelope format. Readers reject other versions.
	Version = 3

	DefaultRetention = 48 * time.Hour
)

// Envelope is the on-disk form of an archived message.
type Envelope struct {
	Version   int    `json:"version"`
	Timestamp string `json:"timestamp"`
	Envelope  struct {
		From string `json:"from"`
		To   string `json:"to"`
	} `json:"envelope"`
	// RawEmail is base64 encoded by encoding/json.
	RawEmail []byte `json:"raw_email"`
	Outcome  string `json:"routing_outcome,omitempty"`
}

// FSArchive stores archives as files under Dir, one directory per day.
type FSArchive struct {
	Dir       string
	BounceDir string
	Log       log.Logger
	Now       func() time.Time
}

func New(dir, bounceDir string) *FSArchive {
	return &FSArchive{
		Dir:       dir,
		BounceDir: bounceDir,
		Log:       log.Logger{Name: modName},
		Now:       time.Now,
	}
}

// Store archives the message before routing and returns the file path.
func (a *FSArchive) Store(raw []byte, envelopeFrom, envelopeTo string) (string, error) {
	if a.Dir == "" {
		return "", nil
	}
	now := a.Now()
	dayDir := filepath.Join(a.Dir, now.Format("2006-01-02"))
	if err := os.MkdirAll(dayDir, 0o755); err != nil {
		return "", fmt.Errorf("%s: %w", modName, err)
	}

	env := Envelope{
		Version:   Version,
		Timestamp: now.UTC().Format("2006-01-02T15:04:05Z"),
		RawEmail:  raw,
	}
	env.Envelope.From = envelopeFrom
	env.Envelope.To = envelopeTo

	path := filepath.Join(dayDir, now.Format("150405")+"_"+uuid.New().String()+".json")
	if err := writeJSON(path, &env); err != nil {
		return "", fmt.Errorf("%s: %w", modName, err)
	}
	return path, nil
}

// RecordOutcome adds the routing result to an archive written by Store.
func (a *FSArchive) RecordOutcome(path, outcome string) error {
	if path == "" {
		return nil
	}
	env, err := Read(path)
	if err != nil {
		return err
	}
	env.Outcome = outcome
	if err := writeJSON(path, env); err != nil {
		return fmt.Errorf("%s: %w", modName, err)
	}
	return nil
}

// Read loads an archived message.
func Read(path string) (*Envelope, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", modName, err)
	}
	var env Envelope
	if err := json.Unmarshal(blob, &env); err != nil {
		return nil, fmt.Errorf("%s: %s: %w", modName, path, err)
	}
	if env.Version != Version {
		return nil, fmt.Errorf("%s: %s: unsupported version %d", modName, path, env.Version)
	}
	return &env, nil
}

func writeJSON(path string, v interface{}) error {
	blob, err := json.Marshal(v)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// SaveBounce keeps a bounce that could not be parsed.
func (a *FSArchive) SaveBounce(raw []byte) (string, error) {
	if a.BounceDir == "" {
		return "", errors.New("archive: bounce directory not configured")
	}
	if err := os.MkdirAll(a.BounceDir, 0o755); err != nil {
		return "", fmt.Errorf("%s: %w", modName, err)
	}
	path := filepath.Join(a.BounceDir, a.Now().Format("2006-01-02_150405")+"_"+uuid.New().String()+".eml")
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return "", fmt.Errorf("%s: %w", modName, err)
	}
	return path, nil
}

// Cleanup removes archived messages older than maxAge and day directories
// left empty. It returns the number of files removed.
func (a *FSArchive) Cleanup(maxAge time.Duration) (int, error) {
	days, err := os.ReadDir(a.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("%s: %w", modName, err)
	}

	cutoff := a.Now().Add(-maxAge)
	removed := 0
	for _, day := range days {
		if !day.IsDir() {
			continue
		}
		dayDir := filepath.Join(a.Dir, day.Name())
		files, err := os.ReadDir(dayDir)
		if err != nil {
			a.Log.Error("cannot list archive directory", err, "dir", dayDir)
			continue
		}

		left := len(files)
		for _, f := range files {
			info, err := f.Info()
			if err != nil {
				continue
			}
			if !info.ModTime().Before(cutoff) {
				continue
			}
			if err := os.Remove(filepath.Join(dayDir, f.Name())); err != nil {
				a.Log.Error("cannot remove archived message", err, "file", f.Name())
				continue
			}
			removed++
			left--
		}

		if left == 0 {
			if err := os.Remove(dayDir); err != nil {
				a.Log.Error("cannot remove archive directory", err, "dir", dayDir)
			}
		}
	}
	return removed, nil
}
