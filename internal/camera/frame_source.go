// Package camera captures still frames with rpicam-still. Each capture
// lands in a uniquely named temporary file owned by the caller.
package camera

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/printlapse/printlapse/internal/config"
	"github.com/printlapse/printlapse/internal/services"
)

// Executor runs the capture binary and streams its combined stdout/stderr
// output one line at a time. Callbacks may fire from multiple goroutines.
type Executor interface {
	Run(ctx context.Context, binary string, args []string, onOutput func(string)) error
}

type commandExecutor struct{}

func (commandExecutor) Run(ctx context.Context, binary string, args []string, onOutput func(string)) error {
	cmd := exec.CommandContext(ctx, binary, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", binary, err)
	}

	var wg sync.WaitGroup
	for _, pipe := range []io.Reader{stdout, stderr} {
		wg.Add(1)
		go func(r io.Reader) {
			defer wg.Done()
			scanner := bufio.NewScanner(r)
			scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
			for scanner.Scan() {
				if onOutput != nil {
					onOutput(scanner.Text())
				}
			}
		}(pipe)
	}
	wg.Wait()

	return cmd.Wait()
}

// FrameSource captures stills at the configured geometry.
type FrameSource struct {
	binary   string
	width    int
	height   int
	quality  int
	timeout  time.Duration
	tmpDir   string
	executor Executor
}

// Option customizes a FrameSource.
type Option func(*FrameSource)

// WithExecutor overrides process execution, primarily for tests.
func WithExecutor(executor Executor) Option {
	return func(s *FrameSource) {
		if executor != nil {
			s.executor = executor
		}
	}
}

// WithTempDir overrides where capture output files are staged.
func WithTempDir(dir string) Option {
	return func(s *FrameSource) {
		if strings.TrimSpace(dir) != "" {
			s.tmpDir = dir
		}
	}
}

// WithTimeout overrides the per-capture deadline.
func WithTimeout(timeout time.Duration) Option {
	return func(s *FrameSource) {
		if timeout > 0 {
			s.timeout = timeout
		}
	}
}

// New constructs a FrameSource from configuration.
func New(cfg *config.Config, opts ...Option) *FrameSource {
	source := &FrameSource{
		binary:   cfg.Camera.Binary,
		width:    cfg.Camera.Width,
		height:   cfg.Camera.Height,
		quality:  cfg.Camera.Quality,
		timeout:  time.Duration(cfg.Camera.CaptureTimeout) * time.Second,
		tmpDir:   os.TempDir(),
		executor: commandExecutor{},
	}
	for _, opt := range opts {
		opt(source)
	}
	return source
}

// Binary returns the configured capture executable name.
func (s *FrameSource) Binary() string {
	return s.binary
}

// Capture grabs one still frame and returns the path of the temporary file
// holding it. The caller owns the file and removes it once stored. Failures
// never leave a partial file behind.
func (s *FrameSource) Capture(ctx context.Context) (string, error) {
	outPath := filepath.Join(s.tmpDir, fmt.Sprintf("printlapse-%s.jpg", uuid.NewString()))
	args := []string{
		"-v", "0",
		"--immediate",
		"--nopreview",
		"--width", strconv.Itoa(s.width),
		"--height", strconv.Itoa(s.height),
		"-q", strconv.Itoa(s.quality),
		"-o", outPath,
	}

	runCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var mu sync.Mutex
	var tail []string
	onOutput := func(line string) {
		line = strings.TrimSpace(line)
		if line == "" {
			return
		}
		mu.Lock()
		tail = append(tail, line)
		if len(tail) > 8 {
			tail = tail[1:]
		}
		mu.Unlock()
	}

	if err := s.executor.Run(runCtx, s.binary, args, onOutput); err != nil {
		os.Remove(outPath)
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return "", services.Wrap(services.ErrTimeout, "camera", "capture",
				fmt.Sprintf("%s timed out after %s", s.binary, s.timeout), err)
		}
		message := fmt.Sprintf("%s failed", s.binary)
		mu.Lock()
		if len(tail) > 0 {
			message = fmt.Sprintf("%s: %s", message, strings.Join(tail, " | "))
		}
		mu.Unlock()
		return "", services.Wrap(services.ErrExternalTool, "camera", "capture", message, err)
	}

	info, err := os.Stat(outPath)
	if err != nil {
		return "", services.Wrap(services.ErrExternalTool, "camera", "capture", "capture produced no output file", err)
	}
	if info.Size() == 0 {
		os.Remove(outPath)
		return "", services.Wrap(services.ErrExternalTool, "camera", "capture", "capture produced an empty file", nil)
	}
	return outPath, nil
}
