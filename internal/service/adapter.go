// Package service defines the contract streaming-service adapters implement
// and the registry the CLI resolves them from. Adapters own their HTTP
// sessions, cookies and credentials; the pipeline only sees titles, tracks
// and license bytes.
package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/jmylchreest/streamdl/internal/media"
)

// Adapter is one streaming service.
type Adapter interface {
	// Name is the service tag stamped on tracks and vault rows, e.g. "AMZN".
	Name() string

	// GetTitles resolves the requested title id into one or more titles
	// (a movie, or the episodes of a series).
	GetTitles(ctx context.Context, titleID string) ([]*media.Title, error)

	// GetTracks returns every track the service offers for the title.
	GetTracks(ctx context.Context, title *media.Title) (*media.TrackSet, error)

	// GetChapters returns chapter markers, possibly none.
	GetChapters(ctx context.Context, title *media.Title) ([]*media.Chapter, error)

	// Certificate returns the service certificate for Widevine privacy mode,
	// or nil to use the common cert.
	Certificate(ctx context.Context, title *media.Title, track *media.Track) ([]byte, error)

	// License signs a CDM challenge with the service's license server.
	License(ctx context.Context, title *media.Title, track *media.Track, challenge []byte) ([]byte, error)

	// RefreshSession renews expired session state (cookies, tokens) so a
	// refused license call can be retried once.
	RefreshSession(ctx context.Context) error

	// Multikey reports whether the service issues licenses with more than
	// one content key, which forces the packager decrypt path.
	Multikey() bool
}

// Registry maps service tags to adapter constructors.
type Registry struct {
	mu       sync.RWMutex
	builders map[string]func() Adapter
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{builders: map[string]func() Adapter{}}
}

// Register adds an adapter constructor under its tag. Later registrations
// with the same tag replace earlier ones.
func (r *Registry) Register(tag string, build func() Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builders[strings.ToUpper(tag)] = build
}

// Get builds the adapter for a tag.
func (r *Registry) Get(tag string) (Adapter, error) {
	r.mu.RLock()
	build, ok := r.builders[strings.ToUpper(tag)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown service %q (known: %s)", tag, strings.Join(r.Tags(), ", "))
	}
	return build(), nil
}

// Tags lists the registered service tags, sorted.
func (r *Registry) Tags() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tags := make([]string, 0, len(r.builders))
	for tag := range r.builders {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

var defaultRegistry = NewRegistry()

// Register adds an adapter to the process-wide registry. Adapter packages
// call this from init so a blank import is enough to enable a service.
func Register(tag string, build func() Adapter) {
	defaultRegistry.Register(tag, build)
}

// Default returns the process-wide registry.
func Default() *Registry { return defaultRegistry }

// TitleClient binds an adapter to one title so it satisfies the license
// client surface the DRM session needs without carrying title state itself.
type TitleClient struct {
	Adapter Adapter
	Title   *media.Title
}

func (c *TitleClient) Certificate(ctx context.Context, track *media.Track) ([]byte, error) {
	return c.Adapter.Certificate(ctx, c.Title, track)
}

func (c *TitleClient) License(ctx context.Context, track *media.Track, challenge []byte) ([]byte, error) {
	return c.Adapter.License(ctx, c.Title, track, challenge)
}

func (c *TitleClient) RefreshSession(ctx context.Context) error {
	return c.Adapter.RefreshSession(ctx)
}
