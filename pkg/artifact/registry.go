// Package artifact hands out object-URL style references to captured stills.
// Every ToURL must be paired with exactly one ReleaseURL.
package artifact

import (
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"snapcam/pkg/device"
	"snapcam/pkg/metrics"
	"snapcam/pkg/utils"
)

const Scheme = "blob:snapcam/"

type Registry struct {
	lock   sync.RWMutex
	items  map[string]device.Artifact
	logger *zap.SugaredLogger
}

func NewRegistry() *Registry {
	return &Registry{
		items:  make(map[string]device.Artifact),
		logger: utils.GetLogger().Named("artifact"),
	}
}

// ToURL registers a and returns the URL it can be fetched by.
func (r *Registry) ToURL(a device.Artifact) string {
	url := Scheme + uuid.NewString()

	r.lock.Lock()
	r.items[url] = a
	n := len(r.items)
	r.lock.Unlock()

	metrics.ArtifactURLs.Set(float64(n))
	return url
}

// ReleaseURL drops the artifact behind url. Releasing twice is harmless.
func (r *Registry) ReleaseURL(url string) {
	r.lock.Lock()
	_, ok := r.items[url]
	delete(r.items, url)
	n := len(r.items)
	r.lock.Unlock()

	if !ok {
		r.logger.Debugf("release of unknown url %s", url)
		return
	}
	metrics.ArtifactURLs.Set(float64(n))
}

func (r *Registry) Lookup(url string) (device.Artifact, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	a, ok := r.items[url]
	return a, ok
}

func (r *Registry) Len() int {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return len(r.items)
}

// ID returns the part of url after the scheme.
func ID(url string) string {
	return strings.TrimPrefix(url, Scheme)
}
