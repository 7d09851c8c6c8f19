package preflight

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/printlapse/printlapse/internal/config"
	"github.com/printlapse/printlapse/internal/mount"
	"github.com/printlapse/printlapse/internal/printer"
)

// CheckBinaries verifies the external executables the daemon shells out to
// are resolvable on PATH.
func CheckBinaries(cfg *config.Config) []Result {
	required := []struct {
		name    string
		command string
	}{
		{"Camera binary", cfg.Camera.Binary},
		{"FFmpeg", cfg.FFmpegBinary()},
	}

	results := make([]Result, 0, len(required))
	for _, requirement := range required {
		command := strings.TrimSpace(requirement.command)
		if command == "" {
			results = append(results, Result{Name: requirement.name, Detail: "command not configured"})
			continue
		}
		resolved, err := exec.LookPath(command)
		if err != nil {
			results = append(results, Result{
				Name:   requirement.name,
				Detail: fmt.Sprintf("binary %q not found", command),
			})
			continue
		}
		results = append(results, Result{Name: requirement.name, Passed: true, Detail: resolved})
	}
	return results
}

// CheckDirectoryAccess verifies that the directory exists and is readable/writable.
func CheckDirectoryAccess(name, path string) Result {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{Name: name, Detail: fmt.Sprintf("%s (error: does not exist)", path)}
		}
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: stat: %v)", path, err)}
	}
	if !info.IsDir() {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: is not a directory)", path)}
	}
	if err := unix.Access(path, unix.R_OK|unix.W_OK|unix.X_OK); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: insufficient permissions: %v)", path, err)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (read/write ok)", path)}
}

// CheckPrimaryMount probes the primary storage tier with the same bounded
// stat the daemon uses, then verifies writability. No remount is attempted.
// A failure is survivable -- frames land on the fallback tier -- but worth
// knowing before a long print.
func CheckPrimaryMount(ctx context.Context, cfg *config.Config) Result {
	const name = "Primary storage"

	path := strings.TrimSpace(cfg.Storage.PrimaryDir)
	if path == "" {
		return Result{Name: name, Detail: "missing primary_dir"}
	}

	if !mount.NewMonitor(cfg, nil).Healthy(ctx) {
		return Result{
			Name:   name,
			Detail: fmt.Sprintf("%s (unreachable: frames will land on the fallback tier)", path),
		}
	}
	return CheckDirectoryAccess(name, path)
}

// CheckPrinter verifies the Prusa Connect status API accepts the configured
// credentials. Auth and identity failures carry actionable text from the
// status client.
func CheckPrinter(ctx context.Context, cfg *config.Config) Result {
	const name = "Printer API"

	if strings.TrimSpace(cfg.Printer.PrinterUUID) == "" {
		return Result{Name: name, Detail: "missing printer uuid"}
	}
	if strings.TrimSpace(cfg.Printer.APIKey) == "" {
		return Result{Name: name, Detail: "missing api key"}
	}

	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := printer.NewClient(cfg).TestConnection(checkCtx); err != nil {
		return Result{Name: name, Detail: summarizeNetworkError(err)}
	}
	return Result{Name: name, Passed: true, Detail: "credentials accepted"}
}

// CheckNtfy verifies the configured ntfy endpoint answers HTTP without
// publishing a notification.
func CheckNtfy(ctx context.Context, cfg *config.Config) Result {
	const name = "ntfy"

	endpoint := strings.TrimSpace(cfg.Notifications.NtfyTopic)
	if endpoint == "" {
		return Result{Name: name, Detail: "missing topic url"}
	}

	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(checkCtx, http.MethodHead, endpoint, nil)
	if err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("reachability check failed (%v)", err)}
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return Result{Name: name, Detail: summarizeNetworkError(err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return Result{Name: name, Detail: fmt.Sprintf("reachability check failed (%d)", resp.StatusCode)}
	}
	return Result{Name: name, Passed: true, Detail: "reachable"}
}

// summarizeNetworkError produces a human-readable summary for connectivity
// check failures.
func summarizeNetworkError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "check timed out (service unresponsive)"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "check timed out (service unreachable)"
	}
	return err.Error()
}
