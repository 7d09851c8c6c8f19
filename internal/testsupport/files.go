package testsupport

import (
	"os"
	"path/filepath"
	"testing"
)

// WriteFrame drops a fake JPEG frame at path with distinctive content so
// copy verification in tests has real bytes to hash.
func WriteFrame(t testing.TB, path string, content string) {
	t.Helper()

	if content == "" {
		content = "jpeg-bytes:" + filepath.Base(path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", path, err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// ReadFile returns the file's content, failing the test on error.
func ReadFile(t testing.TB, path string) string {
	t.Helper()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(data)
}
