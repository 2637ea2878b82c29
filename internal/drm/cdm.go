package drm

import "context"

// System identifies which DRM stack a CDM speaks.
type System string

const (
	SystemWidevine  System = "widevine"
	SystemPlayReady System = "playready"
)

// SessionID identifies an open CDM session.
type SessionID string

// Cdm is the capability surface of a content decryption module. The
// cryptography lives entirely behind this interface; the pipeline only moves
// opaque challenges and licenses between the CDM and the service adapter.
//
// SetServiceCertificate applies to Widevine only; PlayReady implementations
// return an error when it is called.
type Cdm interface {
	System() System
	Open(ctx context.Context) (SessionID, error)
	SetServiceCertificate(ctx context.Context, session SessionID, cert []byte) error
	GetLicenseChallenge(ctx context.Context, session SessionID, initData []byte) ([]byte, error)
	ParseLicense(ctx context.Context, session SessionID, license []byte) error
	GetKeys(ctx context.Context, session SessionID) ([]ContentKey, error)
	Close(ctx context.Context, session SessionID) error
}
