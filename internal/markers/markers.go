// Package markers implements the marker-file protocol that hands finished
// capture sessions over to the encoder. All coordination state lives in
// small files inside the session directory itself, so the capture loop, the
// encoder, and any out-of-process tooling agree on session state purely by
// looking at disk.
package markers

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio/v2"
)

// Marker file names, in lifecycle order.
const (
	// Ready flags a session whose frames are complete and awaiting encode.
	Ready = "ready-for-encoding"
	// InProgress flags a session claimed by an encoder.
	InProgress = "encoding-in-progress"
	// Complete flags a session whose video was produced. Terminal.
	Complete = "encoding-complete"
	// Failed flags a session whose encode failed. Terminal; never retried
	// automatically.
	Failed = "encoding-failed"
)

// State summarizes the marker files present in one session directory.
type State int

const (
	StateNone State = iota
	StateReady
	StateInProgress
	StateComplete
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateInProgress:
		return "encoding"
	case StateComplete:
		return "complete"
	case StateFailed:
		return "failed"
	default:
		return "none"
	}
}

// Path returns the location of the named marker inside dir.
func Path(dir, name string) string {
	return filepath.Join(dir, name)
}

// Has reports whether the named marker exists in dir.
func Has(dir, name string) bool {
	info, err := os.Stat(Path(dir, name))
	return err == nil && !info.IsDir()
}

// Write atomically creates the named marker in dir, replacing any previous
// instance. The content is a human-readable timestamp; consumers key off the
// file's presence and mtime, never its content.
func Write(dir, name string) error {
	body := []byte(time.Now().UTC().Format(time.RFC3339) + "\n")
	if err := renameio.WriteFile(Path(dir, name), body, 0o644); err != nil {
		return fmt.Errorf("write %s marker in %s: %w", name, dir, err)
	}
	return nil
}

// Remove deletes the named marker. Absence is not an error.
func Remove(dir, name string) error {
	if err := os.Remove(Path(dir, name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove %s marker in %s: %w", name, dir, err)
	}
	return nil
}

// Transition atomically renames marker from to marker to. Rename fails when
// from is missing, which makes this the claim primitive: of several encoders
// renaming ready-for-encoding to encoding-in-progress, exactly one wins and
// the rest see an error. The destination mtime is refreshed so staleness
// timing restarts at the transition, not at the original write.
func Transition(dir, from, to string) error {
	if err := os.Rename(Path(dir, from), Path(dir, to)); err != nil {
		return fmt.Errorf("transition %s to %s in %s: %w", from, to, dir, err)
	}
	now := time.Now()
	_ = os.Chtimes(Path(dir, to), now, now)
	return nil
}

// Scan reports the marker state of a session directory. Terminal markers
// win over transitional ones so a directory left with both (a crash between
// steps) still reads as finished.
func Scan(dir string) State {
	switch {
	case Has(dir, Complete):
		return StateComplete
	case Has(dir, Failed):
		return StateFailed
	case Has(dir, InProgress):
		return StateInProgress
	case Has(dir, Ready):
		return StateReady
	default:
		return StateNone
	}
}

// Age returns how long ago the named marker was last written.
func Age(dir, name string, now time.Time) (time.Duration, error) {
	info, err := os.Stat(Path(dir, name))
	if err != nil {
		return 0, fmt.Errorf("stat %s marker in %s: %w", name, dir, err)
	}
	return now.Sub(info.ModTime()), nil
}
