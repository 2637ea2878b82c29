package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jmylchreest/streamdl/internal/media"
	"github.com/jmylchreest/streamdl/internal/observability"
)

// Federation fronts an ordered list of vaults. Reads walk the list and stop
// at the first hit; writes replicate to every member. Writes to each member
// are serialized so batched backends stay consistent.
type Federation struct {
	vaults []Vault
	logger *slog.Logger

	mu sync.Mutex
}

// NewFederation builds a federation over the given vaults. Lookup order is
// the slice order.
func NewFederation(logger *slog.Logger, vaults ...Vault) (*Federation, error) {
	if len(vaults) == 0 {
		return nil, fmt.Errorf("federation: %w", media.ErrVaultUnavailable)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Federation{
		vaults: vaults,
		logger: observability.WithComponent(logger, "vault"),
	}, nil
}

// Vaults returns the member names in lookup order.
func (f *Federation) Vaults() []string {
	names := make([]string, len(f.vaults))
	for i, v := range f.vaults {
		names[i] = v.Name()
	}
	return names
}

// GetKey returns the first hit across the members and the name of the vault
// that held it. A member error is logged and the walk continues; the error
// is returned only when every member failed.
func (f *Federation) GetKey(ctx context.Context, service, kid string) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var errs []error
	for _, v := range f.vaults {
		key, err := v.GetKey(ctx, service, kid)
		if err != nil {
			f.logger.WarnContext(ctx, "vault lookup failed",
				slog.String("vault", v.Name()),
				slog.String("kid", kid),
				slog.String("error", err.Error()))
			errs = append(errs, err)
			continue
		}
		if key != "" {
			return key, v.Name(), nil
		}
	}
	if len(errs) == len(f.vaults) {
		return "", "", fmt.Errorf("%w: %w", media.ErrVaultUnavailable, errors.Join(errs...))
	}
	return "", "", nil
}

// InsertKey replicates the key into every member. Per-vault outcomes are
// logged; only a hard member error surfaces, and replication still reaches
// the remaining members first.
func (f *Federation) InsertKey(ctx context.Context, service, kid, key, titleID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	entry := Entry{Service: service, KID: kid, Key: key, TitleID: titleID}
	var errs []error
	for _, v := range f.vaults {
		result, err := v.InsertKey(ctx, entry)
		if err != nil {
			f.logger.WarnContext(ctx, "vault insert failed",
				slog.String("vault", v.Name()),
				slog.String("kid", kid),
				slog.String("error", err.Error()))
			errs = append(errs, fmt.Errorf("vault %s: %w", v.Name(), err))
			continue
		}
		f.logger.DebugContext(ctx, "vault insert",
			slog.String("vault", v.Name()),
			slog.String("kid", kid),
			slog.String("result", result.String()))
	}
	return errors.Join(errs...)
}

// Commit flushes every member's batched writes.
func (f *Federation) Commit(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var errs []error
	for _, v := range f.vaults {
		if err := v.Commit(ctx); err != nil {
			errs = append(errs, fmt.Errorf("vault %s: %w", v.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Close commits and closes every member.
func (f *Federation) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var errs []error
	for _, v := range f.vaults {
		if err := v.Close(); err != nil {
			errs = append(errs, fmt.Errorf("vault %s: %w", v.Name(), err))
		}
	}
	return errors.Join(errs...)
}
