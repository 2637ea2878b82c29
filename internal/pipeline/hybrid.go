package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmylchreest/streamdl/internal/media"
	"github.com/jmylchreest/streamdl/internal/observability"
	"github.com/jmylchreest/streamdl/internal/tools"
)

const (
	hybridMinOutput = 10 * 1024
	hybridWait      = 10 * time.Second
)

// HybridStage merges a Dolby Vision RPU into an HDR10 base layer, producing a
// single profile 8.1 stream that plays as HDR10 on displays without DV
// support.
type HybridStage struct {
	Runner tools.Runner
}

// Make builds the hybrid stream in place of the HDR10 track and discards the
// Dolby Vision donor. Both tracks must already be downloaded and decrypted.
func (s *HybridStage) Make(ctx context.Context, hdr10, dv *media.Video) error {
	log := observability.WithComponent(observability.LoggerFromContext(ctx), "hybrid")
	log.InfoContext(ctx, "building hybrid stream",
		slog.String("base", hdr10.ID),
		slog.String("donor", dv.ID))

	workDir := filepath.Dir(hdr10.Location())

	baseHEVC, err := s.extractHEVC(ctx, hdr10.Location(), filepath.Join(workDir, "hybrid-base.hevc"))
	if err != nil {
		return fmt.Errorf("extract base layer: %w", err)
	}
	defer os.Remove(baseHEVC)

	donorHEVC, err := s.extractHEVC(ctx, dv.Location(), filepath.Join(workDir, "hybrid-donor.hevc"))
	if err != nil {
		return fmt.Errorf("extract donor layer: %w", err)
	}
	defer os.Remove(donorHEVC)

	rpu := filepath.Join(workDir, "RPU.bin")
	result, err := s.Runner.Run(ctx, tools.DoviTool, "-m", "2", "extract-rpu", donorHEVC, "-o", rpu)
	if err != nil {
		return err
	}
	if _, err := tools.Check(tools.DoviTool, result); err != nil {
		return fmt.Errorf("extract rpu: %w", err)
	}
	defer os.Remove(rpu)

	hybrid := filepath.Join(workDir, "hybrid.hevc")
	result, err = s.Runner.Run(ctx, tools.DoviTool, "inject-rpu", "-i", baseHEVC, "--rpu-in", rpu, "-o", hybrid)
	if err != nil {
		return err
	}
	if _, err := tools.Check(tools.DoviTool, result); err != nil {
		return fmt.Errorf("inject rpu: %w", err)
	}
	if err := waitForOutput(ctx, hybrid); err != nil {
		return fmt.Errorf("inject rpu: %w", err)
	}

	// The hybrid stream replaces the HDR10 artifact; the donor is no longer
	// needed.
	old := hdr10.Location()
	final := strings.TrimSuffix(old, filepath.Ext(old)) + ".hybrid.hevc"
	if err := os.Rename(hybrid, final); err != nil {
		return err
	}
	if err := os.Remove(old); err != nil && !os.IsNotExist(err) {
		return err
	}
	hdr10.SetLocation(final)
	hdr10.Range = media.RangeDV
	return dv.Delete()
}

// extractHEVC demuxes the raw Annex B HEVC elementary stream.
func (s *HybridStage) extractHEVC(ctx context.Context, in, out string) (string, error) {
	result, err := s.Runner.Run(ctx, tools.FFmpeg,
		"-y", "-hide_banner", "-loglevel", "error",
		"-i", in,
		"-c:v", "copy",
		"-bsf:v", "hevc_mp4toannexb",
		"-f", "hevc",
		out)
	if err != nil {
		return "", err
	}
	if _, err := tools.Check(tools.FFmpeg, result); err != nil {
		return "", err
	}
	if err := waitForOutput(ctx, out); err != nil {
		return "", err
	}
	return out, nil
}

// waitForOutput blocks until path holds a plausible elementary stream. Some
// tool builds report success before their output is flushed to disk.
func waitForOutput(ctx context.Context, path string) error {
	deadline := time.Now().Add(hybridWait)
	for {
		if info, err := os.Stat(path); err == nil && info.Size() >= hybridMinOutput {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("output %s missing or too small", filepath.Base(path))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
}
