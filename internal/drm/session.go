package drm

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jmylchreest/streamdl/internal/media"
	"github.com/jmylchreest/streamdl/internal/observability"
)

// KeyStore is the vault surface the session consults before and after a CDM
// exchange. The vault federation satisfies it.
type KeyStore interface {
	// GetKey returns the cached key and the name of the vault that held it,
	// or empty strings on a miss.
	GetKey(ctx context.Context, service, kid string) (key, vaultName string, err error)
	// InsertKey replicates the key into every vault.
	InsertKey(ctx context.Context, service, kid, key, titleID string) error
}

// LicenseClient is the slice of a service adapter the session needs: signing
// a challenge into a license and refreshing expired session state. The
// pipeline binds the current title before handing the adapter over.
type LicenseClient interface {
	Certificate(ctx context.Context, track *media.Track) ([]byte, error)
	License(ctx context.Context, track *media.Track, challenge []byte) ([]byte, error)
	RefreshSession(ctx context.Context) error
}

// SessionConfig wires a Session.
type SessionConfig struct {
	Cdm    Cdm
	Keys   KeyStore
	Client LicenseClient

	// FetchInit retrieves the first bytes of a track (its init segment) when
	// the manifest did not carry protection data.
	FetchInit func(ctx context.Context, t *media.Track) ([]byte, error)

	// ServiceCert is the fallback Widevine service certificate applied when
	// the adapter supplies none.
	ServiceCert []byte

	Service string
	TitleID string
}

// Session drives the license exchange for the encrypted tracks of one title.
// Sessions must not outlive their title.
type Session struct {
	cfg SessionConfig
}

// NewSession creates a Session for one title.
func NewSession(cfg SessionConfig) *Session {
	return &Session{cfg: cfg}
}

// EnsurePssh guarantees the track carries init data for the session's DRM
// system, fetching the init segment or translating PlayReady headers when the
// manifest was silent.
func (s *Session) EnsurePssh(ctx context.Context, t *media.Track) error {
	log := observability.WithComponent(observability.LoggerFromContext(ctx), "drm")

	if s.cfg.Cdm == nil {
		// Vault-only sessions need a kid, not init data.
		return nil
	}
	switch s.cfg.Cdm.System() {
	case SystemWidevine:
		if len(t.PsshWV) > 0 {
			return nil
		}
		if len(t.PsshPR) > 0 {
			wv, kid, err := TranslatePlayReadyPssh(t.PsshPR)
			if err == nil {
				t.PsshWV = wv
				if t.KID == "" {
					t.KID = kid
				}
				log.DebugContext(ctx, "derived widevine pssh from playready header", slog.String("track", t.ID))
				return nil
			}
			log.DebugContext(ctx, "playready translation failed", slog.String("track", t.ID), slog.String("error", err.Error()))
		}
		if init := s.fetchInit(ctx, t); init != nil {
			if box := FindPssh(init, WidevineSystemID); box != nil {
				t.PsshWV = box
				return nil
			}
			if box := FindPssh(init, PlayReadySystemID); box != nil {
				if wv, kid, err := TranslatePlayReadyPssh(box); err == nil {
					t.PsshPR = box
					t.PsshWV = wv
					if t.KID == "" {
						t.KID = kid
					}
					return nil
				}
			}
		}
		return fmt.Errorf("track %s: %w", t.ID, media.ErrPsshUnobtainable)

	case SystemPlayReady:
		if len(t.PsshPR) > 0 {
			return nil
		}
		if init := s.fetchInit(ctx, t); init != nil {
			if box := FindPssh(init, PlayReadySystemID); box != nil {
				t.PsshPR = box
				return nil
			}
		}
		return fmt.Errorf("track %s: %w", t.ID, media.ErrPsshUnobtainable)
	}
	return fmt.Errorf("track %s: unknown drm system %q", t.ID, s.cfg.Cdm.System())
}

// EnsureKid guarantees the track carries a normalized key ID, deriving it
// from the PlayReady header or the init segment's tenc box when needed.
func (s *Session) EnsureKid(ctx context.Context, t *media.Track) error {
	if t.KID != "" {
		kid, err := NormalizeKID(t.KID)
		if err != nil {
			return fmt.Errorf("track %s: %w", t.ID, err)
		}
		t.KID = kid
		return nil
	}
	if len(t.PsshPR) > 0 {
		payload := t.PsshPR
		if p, err := ParsePssh(t.PsshPR); err == nil {
			payload = p.Data
		}
		if kid, err := KIDFromPlayReadyBlob(payload); err == nil {
			t.KID = kid
			return nil
		}
	}
	if init := s.fetchInit(ctx, t); init != nil {
		if kid, err := KIDFromInitSegment(init); err == nil {
			t.KID = kid
			return nil
		}
	}
	return fmt.Errorf("track %s: %w", t.ID, media.ErrKidUnobtainable)
}

// Keys resolves the content key for an encrypted track: vault first, CDM
// exchange otherwise. The winning key is recorded on the track and
// replicated to every vault. The full key list from the license is returned
// so multi-key decrypters can use it.
func (s *Session) Keys(ctx context.Context, t *media.Track) ([]ContentKey, error) {
	log := observability.WithComponent(observability.LoggerFromContext(ctx), "drm")

	if err := s.EnsurePssh(ctx, t); err != nil {
		return nil, err
	}
	if err := s.EnsureKid(ctx, t); err != nil {
		return nil, err
	}

	if s.cfg.Keys != nil {
		key, vaultName, err := s.cfg.Keys.GetKey(ctx, s.cfg.Service, t.KID)
		if err != nil {
			log.WarnContext(ctx, "vault lookup failed", slog.String("error", err.Error()))
		} else if key != "" {
			log.InfoContext(ctx, "content key served from vault",
				slog.String("track", t.ID),
				slog.String("kid", t.KID),
				slog.String("vault", vaultName))
			t.Key = key
			if err := s.cfg.Keys.InsertKey(ctx, s.cfg.Service, t.KID, key, s.cfg.TitleID); err != nil {
				log.WarnContext(ctx, "vault replication failed", slog.String("error", err.Error()))
			}
			return []ContentKey{{KID: t.KID, Key: key}}, nil
		}
	}

	if s.cfg.Cdm == nil {
		return nil, fmt.Errorf("track %s kid %s: no cdm configured: %w", t.ID, t.KID, media.ErrNoContentKey)
	}
	keys, err := s.exchange(ctx, t)
	if err != nil {
		return nil, err
	}

	var match *ContentKey
	for i := range keys {
		if keys[i].KID == HdcpWatermarkKID {
			continue
		}
		if keys[i].KID == t.KID {
			match = &keys[i]
		}
		if s.cfg.Keys != nil {
			if err := s.cfg.Keys.InsertKey(ctx, s.cfg.Service, keys[i].KID, keys[i].Key, s.cfg.TitleID); err != nil {
				log.WarnContext(ctx, "vault replication failed",
					slog.String("kid", keys[i].KID),
					slog.String("error", err.Error()))
			}
		}
	}
	if match == nil {
		return nil, fmt.Errorf("track %s kid %s: %w", t.ID, t.KID, media.ErrNoContentKey)
	}
	t.Key = match.Key
	log.InfoContext(ctx, "content key obtained from cdm",
		slog.String("track", t.ID),
		slog.String("kid", t.KID),
		slog.Int("keys", len(keys)))
	return keys, nil
}

// exchange runs the CDM protocol: open, certificate (Widevine), challenge,
// license, parse, keys, close. A refused license is retried once after
// refreshing the adapter session.
func (s *Session) exchange(ctx context.Context, t *media.Track) ([]ContentKey, error) {
	session, err := s.cfg.Cdm.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("open cdm session: %w", err)
	}
	defer s.cfg.Cdm.Close(ctx, session)

	if s.cfg.Cdm.System() == SystemWidevine {
		cert := s.cfg.ServiceCert
		if s.cfg.Client != nil {
			if adapterCert, err := s.cfg.Client.Certificate(ctx, t); err == nil && len(adapterCert) > 0 {
				cert = adapterCert
			}
		}
		if len(cert) > 0 {
			if err := s.cfg.Cdm.SetServiceCertificate(ctx, session, cert); err != nil {
				return nil, fmt.Errorf("set service certificate: %w", err)
			}
		}
	}

	initData := t.PsshWV
	if s.cfg.Cdm.System() == SystemPlayReady {
		initData = t.PsshPR
	}
	challenge, err := s.cfg.Cdm.GetLicenseChallenge(ctx, session, initData)
	if err != nil {
		return nil, fmt.Errorf("build license challenge: %w", err)
	}

	license, err := s.cfg.Client.License(ctx, t, challenge)
	if err != nil || len(license) == 0 {
		// One retry after refreshing adapter session state (expired cookies
		// or tokens are the common cause).
		if refreshErr := s.cfg.Client.RefreshSession(ctx); refreshErr != nil {
			return nil, fmt.Errorf("track %s: %w", t.ID, media.ErrLicenseRefused)
		}
		license, err = s.cfg.Client.License(ctx, t, challenge)
		if err != nil || len(license) == 0 {
			return nil, fmt.Errorf("track %s: %w", t.ID, media.ErrLicenseRefused)
		}
	}

	if err := s.cfg.Cdm.ParseLicense(ctx, session, license); err != nil {
		return nil, fmt.Errorf("parse license: %w", err)
	}
	keys, err := s.cfg.Cdm.GetKeys(ctx, session)
	if err != nil {
		return nil, fmt.Errorf("extract keys: %w", err)
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("track %s: %w", t.ID, media.ErrNoContentKey)
	}
	return keys, nil
}

func (s *Session) fetchInit(ctx context.Context, t *media.Track) []byte {
	if s.cfg.FetchInit == nil {
		return nil
	}
	init, err := s.cfg.FetchInit(ctx, t)
	if err != nil {
		observability.LoggerFromContext(ctx).DebugContext(ctx, "init segment fetch failed",
			slog.String("track", t.ID), slog.String("error", err.Error()))
		return nil
	}
	return init
}
