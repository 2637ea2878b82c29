// Package vault implements the content-key stores and their federation.
// A vault maps (service, kid) to a content key; the federation provides
// ordered read-through lookup and write-through replication with
// insert-once semantics.
package vault

import "context"

// InsertResult classifies the outcome of an insert against one vault.
type InsertResult int

const (
	// InsertSuccess means the key was newly stored.
	InsertSuccess InsertResult = iota
	// InsertAlreadyExists means the (service, kid) pair was already present.
	InsertAlreadyExists
	// InsertFailure means the vault exposes no bucket for the service or
	// rejected the write.
	InsertFailure
)

func (r InsertResult) String() string {
	switch r {
	case InsertSuccess:
		return "success"
	case InsertAlreadyExists:
		return "already_exists"
	case InsertFailure:
		return "failure"
	}
	return "unknown"
}

// Entry is one stored key.
type Entry struct {
	Service string
	KID     string
	Key     string
	TitleID string
}

// Vault is one member of the federation.
type Vault interface {
	Name() string
	// GetKey returns the key for (service, kid), or "" on a miss.
	GetKey(ctx context.Context, service, kid string) (string, error)
	// InsertKey stores a key. Repeated inserts of the same (service, kid)
	// report InsertAlreadyExists, including across processes for persistent
	// vaults.
	InsertKey(ctx context.Context, entry Entry) (InsertResult, error)
	// Commit flushes any batched writes. Inserts may be buffered until then.
	Commit(ctx context.Context) error
	Close() error
}
