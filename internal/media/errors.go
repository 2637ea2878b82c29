package media

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced by the acquisition pipeline. Stages wrap these
// with %w so callers can classify failures with errors.Is.
var (
	// ErrManifest indicates a manifest document could not be parsed or
	// contained no usable streams.
	ErrManifest = errors.New("manifest invalid or empty")

	// ErrNoMatchingTrack indicates a selection filter emptied the track set.
	ErrNoMatchingTrack = errors.New("no track matches the requested filters")

	// ErrNoOriginalLanguage indicates the "orig" language sentinel was used
	// but no track is marked as original language.
	ErrNoOriginalLanguage = errors.New("no track marked as original language")

	// ErrPsshUnobtainable indicates no PSSH could be recovered from the
	// manifest, the init segment, or WRM header translation.
	ErrPsshUnobtainable = errors.New("pssh unobtainable for encrypted track")

	// ErrKidUnobtainable indicates the key ID could not be determined.
	ErrKidUnobtainable = errors.New("kid unobtainable for encrypted track")

	// ErrLicenseRefused indicates the license server rejected the challenge
	// after the permitted retry.
	ErrLicenseRefused = errors.New("license request refused")

	// ErrNoContentKey indicates the license yielded no key matching the
	// track's kid.
	ErrNoContentKey = errors.New("no content key for track kid")

	// ErrVaultUnavailable indicates a vault could not be reached or opened.
	ErrVaultUnavailable = errors.New("key vault unavailable")

	// ErrDownloadEmpty indicates a download produced an empty artifact.
	ErrDownloadEmpty = errors.New("download produced an empty file")

	// ErrMuxFailed indicates mkvmerge failed with a fatal exit status.
	ErrMuxFailed = errors.New("mux failed")

	// ErrDuplicateTrack indicates an Add would overwrite an existing id.
	ErrDuplicateTrack = errors.New("duplicate track id")

	// ErrCancelled indicates the run was interrupted; unlike title failures
	// it stops the whole process.
	ErrCancelled = errors.New("run cancelled")
)

// ToolMissingError reports that a required external binary could not be found.
type ToolMissingError struct {
	Tool string
}

func (e *ToolMissingError) Error() string {
	return fmt.Sprintf("required tool %q not found in PATH or binaries directory", e.Tool)
}

// ToolFailedError reports a non-recoverable exit status from an external tool.
type ToolFailedError struct {
	Tool     string
	ExitCode int
	Stderr   string
}

func (e *ToolFailedError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("%s exited with code %d: %s", e.Tool, e.ExitCode, e.Stderr)
	}
	return fmt.Sprintf("%s exited with code %d", e.Tool, e.ExitCode)
}
