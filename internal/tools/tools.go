// Package tools wraps the external binaries the pipeline shells out to:
// ffmpeg, mkvmerge, mp4decrypt, packager, ccextractor and dovi_tool. The
// Runner interface keeps the pipeline testable without the binaries
// installed.
package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/jmylchreest/streamdl/internal/media"
	"github.com/jmylchreest/streamdl/internal/observability"
)

// Tool names as invoked.
const (
	FFmpeg      = "ffmpeg"
	Mkvmerge    = "mkvmerge"
	MP4Decrypt  = "mp4decrypt"
	Packager    = "packager"
	CCExtractor = "ccextractor"
	DoviTool    = "dovi_tool"
)

// Result captures one tool invocation.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Runner executes external tools. ExecRunner is the real one; tests swap in
// fakes.
type Runner interface {
	Run(ctx context.Context, tool string, args ...string) (*Result, error)
}

// FindBinary locates a tool on PATH first, then in the configured binaries
// directory.
func FindBinary(name, binariesDir string) (string, error) {
	if path, err := exec.LookPath(name); err == nil {
		return path, nil
	}
	if binariesDir != "" {
		local := filepath.Join(binariesDir, name)
		if isExecutable(local) {
			return local, nil
		}
	}
	return "", &media.ToolMissingError{Tool: name}
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode()&0111 != 0
}

// ExecRunner runs tools as subprocesses.
type ExecRunner struct {
	// BinariesDir is the fallback location for tools not on PATH.
	BinariesDir string
}

func (r *ExecRunner) Run(ctx context.Context, tool string, args ...string) (*Result, error) {
	bin, err := FindBinary(tool, r.BinariesDir)
	if err != nil {
		return nil, err
	}

	log := observability.WithComponent(observability.LoggerFromContext(ctx), "tools")
	log.DebugContext(ctx, "running tool",
		slog.String("tool", tool),
		slog.String("args", strings.Join(args, " ")))

	cmd := exec.CommandContext(ctx, bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err = cmd.Run()
	result := &Result{
		ExitCode: cmd.ProcessState.ExitCode(),
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return nil, fmt.Errorf("running %s: %w", tool, err)
	}
	return result, nil
}

// Check applies the per-tool exit-code policy. ccextractor uses 10 for
// "success with issues"; mkvmerge uses 1 for warnings, which callers should
// log but not fail on.
func Check(tool string, result *Result) (warning bool, err error) {
	switch tool {
	case CCExtractor:
		if result.ExitCode == 0 || result.ExitCode == 10 {
			return false, nil
		}
	case Mkvmerge:
		switch {
		case result.ExitCode == 0:
			return false, nil
		case result.ExitCode == 1:
			return true, nil
		}
	default:
		if result.ExitCode == 0 {
			return false, nil
		}
	}
	return false, &media.ToolFailedError{
		Tool:     tool,
		ExitCode: result.ExitCode,
		Stderr:   stderrTail(result.Stderr),
	}
}

// stderrTail keeps error messages readable: the last few lines are where
// these tools put the reason.
func stderrTail(stderr string) string {
	lines := strings.Split(strings.TrimSpace(stderr), "\n")
	if len(lines) > 5 {
		lines = lines[len(lines)-5:]
	}
	return strings.Join(lines, "\n")
}
