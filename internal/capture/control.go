package capture

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/google/renameio/v2"
)

// ReadControlFile returns the trimmed manual session name from the control
// file, or empty when the file is absent or blank. The control file is the
// cross-process handoff between the CLI and the daemon: its presence keeps
// a manual session recording, its removal stops one.
func ReadControlFile(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// WriteControlFile atomically requests a manual session with the given
// name. A blank name is rejected: the daemon treats an empty control file
// as no request at all.
func WriteControlFile(path, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("control file needs a session name")
	}
	if err := renameio.WriteFile(path, []byte(name+"\n"), 0o644); err != nil {
		return fmt.Errorf("write control file: %w", err)
	}
	return nil
}

// RemoveControlFile stops a manual session. Removing an absent file is not
// an error; it reports whether a request was actually cleared.
func RemoveControlFile(path string) (bool, error) {
	err := os.Remove(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("remove control file: %w", err)
}
