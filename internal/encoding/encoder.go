package encoding

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/printlapse/printlapse/internal/config"
	"github.com/printlapse/printlapse/internal/fileutil"
	"github.com/printlapse/printlapse/internal/logging"
	"github.com/printlapse/printlapse/internal/services"
	"github.com/printlapse/printlapse/internal/store"
)

// Executor runs the encoder binary and streams its combined stdout/stderr
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

// Result describes a finished encode.
type Result struct {
	VideoPath string
	Frames    int
	SizeBytes int64
}

// Encoder drives ffmpeg over a session's frame sequence.
type Encoder struct {
	binary     string
	frameRate  int
	rotation   int
	crf        int
	preset     string
	timeout    time.Duration
	scratchDir string
	executor   Executor
	logger     *slog.Logger
}

// Option customizes an Encoder.
type Option func(*Encoder)

// WithExecutor overrides process execution, primarily for tests.
func WithExecutor(executor Executor) Option {
	return func(e *Encoder) {
		if executor != nil {
			e.executor = executor
		}
	}
}

// WithTimeout overrides the encode wall-clock limit.
func WithTimeout(timeout time.Duration) Option {
	return func(e *Encoder) {
		if timeout > 0 {
			e.timeout = timeout
		}
	}
}

// NewEncoder builds an ffmpeg encoder from configuration.
func NewEncoder(cfg *config.Config, logger *slog.Logger, opts ...Option) *Encoder {
	e := &Encoder{
		binary:     cfg.FFmpegBinary(),
		frameRate:  cfg.Encoding.FrameRate,
		rotation:   cfg.Encoding.Rotation,
		crf:        cfg.Encoding.CRF,
		preset:     cfg.Encoding.Preset,
		timeout:    time.Duration(cfg.Encoding.EncodeTimeout) * time.Second,
		scratchDir: cfg.Encoding.ScratchDir,
		executor:   commandExecutor{},
		logger:     logging.NewComponentLogger(logger, "encoder"),
	}
	if e.scratchDir == "" {
		e.scratchDir = os.TempDir()
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Binary returns the encoder binary name, for preflight checks.
func (e *Encoder) Binary() string {
	return e.binary
}

// rotationFilter maps the configured rotation to an ffmpeg -vf expression.
func (e *Encoder) rotationFilter() string {
	switch e.rotation {
	case 90:
		return "transpose=1"
	case 180:
		return "transpose=1,transpose=1"
	case 270:
		return "transpose=2"
	default:
		return ""
	}
}

func (e *Encoder) buildArgs(framesDir, outputPath string) []string {
	args := []string{
		"-y",
		"-framerate", strconv.Itoa(e.frameRate),
		"-i", filepath.Join(framesDir, store.FramePattern),
	}
	if filter := e.rotationFilter(); filter != "" {
		args = append(args, "-vf", filter)
	}
	args = append(args,
		"-c:v", "libx264",
		"-crf", strconv.Itoa(e.crf),
		"-preset", e.preset,
		"-pix_fmt", "yuv420p",
		// Two threads keeps a Pi-class board responsive during encodes.
		"-threads", "2",
		"-movflags", "+faststart",
		outputPath,
	)
	return args
}

// Encode produces the session's video. It encodes into scratch space, then
// relocates the artifact into the session directory so a partial encode
// never looks like a finished video on the store.
func (e *Encoder) Encode(ctx context.Context, session, sessionDir string) (Result, error) {
	framesDir := filepath.Join(sessionDir, store.FramesDirName)
	logger := e.logger.With(logging.String(logging.FieldSession, session))
	journal := newSessionJournal(filepath.Join(sessionDir, store.EncodingLogName), logger)

	frames, err := store.FrameFiles(framesDir)
	if err != nil {
		return Result{}, services.Wrap(services.ErrValidation, "encoder", "list frames", "could not list session frames", err)
	}
	if len(frames) == 0 {
		journal.Printf("ERROR: no frames found in session")
		return Result{}, services.Wrap(services.ErrValidation, "encoder", "list frames", "session has no frames", nil)
	}

	journal.Printf("starting encode: %d frames at %d fps (crf %d, preset %s)", len(frames), e.frameRate, e.crf, e.preset)
	e.journalMemory(journal)

	if err := os.MkdirAll(e.scratchDir, 0o755); err != nil {
		return Result{}, services.Wrap(services.ErrConfiguration, "encoder", "prepare scratch", "could not create scratch directory", err)
	}
	scratchPath := filepath.Join(e.scratchDir, store.VideoName(session))
	defer os.Remove(scratchPath)

	args := e.buildArgs(framesDir, scratchPath)
	journal.Printf("running: %s %s", e.binary, strings.Join(args, " "))

	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	var tailMu sync.Mutex
	var tail []string
	start := time.Now()
	runErr := e.executor.Run(runCtx, e.binary, args, func(line string) {
		tailMu.Lock()
		defer tailMu.Unlock()
		tail = append(tail, line)
		if len(tail) > 12 {
			tail = tail[1:]
		}
	})
	if runErr != nil {
		tailMu.Lock()
		detail := strings.Join(tail, " | ")
		tailMu.Unlock()
		switch {
		case errors.Is(runCtx.Err(), context.DeadlineExceeded):
			journal.Printf("ERROR: encoder timed out after %s", e.timeout)
			return Result{}, services.Wrap(services.ErrTimeout, "encoder", "encode",
				fmt.Sprintf("ffmpeg exceeded the %s wall-clock limit", e.timeout), runErr)
		case errors.Is(ctx.Err(), context.Canceled):
			// Shutdown kills ffmpeg with SIGKILL too; report the
			// cancellation, not a bogus out-of-memory suspicion.
			journal.Printf("encode canceled before the video completed")
			return Result{}, services.Wrap(services.ErrTransient, "encoder", "encode",
				"encode canceled before the video completed", ctx.Err())
		case killedBySignal(runErr, syscall.SIGKILL):
			journal.Printf("ERROR: encoder killed by SIGKILL (likely out of memory)")
			return Result{}, services.Wrap(services.ErrExternalTool, "encoder", "encode",
				"ffmpeg was killed by SIGKILL (likely out of memory)", runErr)
		default:
			journal.Printf("ERROR: encoder failed: %v", runErr)
			if detail != "" {
				journal.Printf("encoder output: %s", detail)
			}
			return Result{}, services.Wrap(services.ErrExternalTool, "encoder", "encode",
				fmt.Sprintf("ffmpeg failed: %s", detail), runErr)
		}
	}

	info, err := os.Stat(scratchPath)
	if err != nil {
		journal.Printf("ERROR: encoder exited cleanly but produced no output")
		return Result{}, services.Wrap(services.ErrExternalTool, "encoder", "validate output",
			"ffmpeg exited cleanly but produced no output file", err)
	}
	if info.Size() == 0 {
		journal.Printf("ERROR: encoder produced an empty video")
		return Result{}, services.Wrap(services.ErrExternalTool, "encoder", "validate output",
			"ffmpeg produced an empty video file", nil)
	}

	videoPath := filepath.Join(sessionDir, store.VideoName(session))
	if err := fileutil.MoveFile(scratchPath, videoPath); err != nil {
		journal.Printf("ERROR: could not move video onto the store: %v", err)
		return Result{}, services.Wrap(services.ErrTransient, "encoder", "store video",
			"could not move the finished video onto the store", err)
	}

	journal.Printf("SUCCESS: video created: %s (%.1f MB in %s)",
		filepath.Base(videoPath), float64(info.Size())/(1024*1024), time.Since(start).Round(time.Second))
	return Result{VideoPath: videoPath, Frames: len(frames), SizeBytes: info.Size()}, nil
}

// journalMemory records system memory headroom before the encode; encodes
// on small boards die to the OOM killer and this makes that diagnosable.
func (e *Encoder) journalMemory(journal *sessionJournal) {
	data, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return
	}
	var totalMB, availableMB int
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		kb, err := strconv.Atoi(fields[1])
		if err != nil {
			continue
		}
		switch {
		case strings.HasPrefix(line, "MemTotal:"):
			totalMB = kb / 1024
		case strings.HasPrefix(line, "MemAvailable:"):
			availableMB = kb / 1024
		}
	}
	if totalMB > 0 {
		journal.Printf("system memory: %dMB free of %dMB", availableMB, totalMB)
	}
}

func killedBySignal(err error, sig syscall.Signal) bool {
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return false
	}
	status, ok := exitErr.Sys().(syscall.WaitStatus)
	return ok && status.Signaled() && status.Signal() == sig
}

// sessionJournal appends timestamped lines to the session's encoding log.
// The log lives next to the frames so a failed encode can be diagnosed
// from the store alone.
type sessionJournal struct {
	path   string
	logger *slog.Logger
}

func newSessionJournal(path string, logger *slog.Logger) *sessionJournal {
	return &sessionJournal{path: path, logger: logger}
}

func (j *sessionJournal) Printf(format string, args ...any) {
	message := fmt.Sprintf(format, args...)
	line := fmt.Sprintf("[%s] %s\n", time.Now().Format("2006-01-02 15:04:05"), message)
	f, err := os.OpenFile(j.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		j.logger.Debug("could not append to encoding log", logging.Error(err))
		return
	}
	defer f.Close()
	if _, err := f.WriteString(line); err != nil {
		j.logger.Debug("could not append to encoding log", logging.Error(err))
	}
	j.logger.Debug(message)
}
