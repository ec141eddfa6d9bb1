// Package casregistry opens record stores from location strings such as
// "/var/lib/glyph/mirror" or "ipfs:/srv/ipfs".
//
// A location is "<backend>:<argument>". Locations without a registered
// backend prefix (plain paths) open the "localfs" backend.
package casregistry

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"xdao.co/glyph/storage"
)

// DefaultBackend handles locations without a backend prefix.
const DefaultBackend = "localfs"

// Backend is a build-time plugin that can open a storage.CAS implementation.
//
// Backends typically register themselves in init():
//
//	casregistry.MustRegister(casregistry.Backend{ ... })
//
// The binary must import the backend package for registration to occur.
type Backend struct {
	Name        string
	Description string

	// Open constructs the CAS for the part of the location after "<name>:".
	// It returns an optional close function.
	Open func(arg string) (storage.CAS, func() error, error)
}

var (
	mu       sync.RWMutex
	backends = map[string]Backend{}
)

// Register registers a backend.
func Register(b Backend) error {
	if b.Name == "" {
		return fmt.Errorf("casregistry: backend name is required")
	}
	if strings.ContainsAny(b.Name, ":/\\") {
		return fmt.Errorf("casregistry: invalid backend name %q", b.Name)
	}
	if b.Open == nil {
		return fmt.Errorf("casregistry: backend %q missing Open", b.Name)
	}

	mu.Lock()
	defer mu.Unlock()
	if _, exists := backends[b.Name]; exists {
		return fmt.Errorf("casregistry: backend %q already registered", b.Name)
	}
	backends[b.Name] = b
	return nil
}

// MustRegister is like Register but panics on error.
func MustRegister(b Backend) {
	if err := Register(b); err != nil {
		panic(err)
	}
}

// List returns the registered backends sorted by name.
func List() []Backend {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]Backend, 0, len(backends))
	for _, b := range backends {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Names returns the registered backend names, sorted.
func Names() []string {
	bs := List()
	n := make([]string, 0, len(bs))
	for _, b := range bs {
		n = append(n, b.Name)
	}
	return n
}

// Split returns the backend name and argument of location.
func Split(location string) (name, arg string) {
	if i := strings.IndexByte(location, ':'); i > 0 {
		mu.RLock()
		_, ok := backends[location[:i]]
		mu.RUnlock()
		if ok {
			return location[:i], location[i+1:]
		}
	}
	return DefaultBackend, location
}

// Open opens the store named by location.
func Open(location string) (storage.CAS, func() error, error) {
	if strings.TrimSpace(location) == "" {
		return nil, nil, fmt.Errorf("casregistry: empty location")
	}
	name, arg := Split(location)
	mu.RLock()
	b, ok := backends[name]
	mu.RUnlock()
	if !ok {
		return nil, nil, fmt.Errorf("unknown backend %q (registered: %s)", name, strings.Join(Names(), ", "))
	}
	cas, closeFn, err := b.Open(arg)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", location, err)
	}
	return cas, closeFn, nil
}
