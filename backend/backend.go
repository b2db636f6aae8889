package backend

import (
	"errors"
	"sync"

	"github.com/vkgraph/vkgraph"
)

// Backend names known to the registry.
const (
	// BackendVulkan is the name of the native Vulkan backend.
	BackendVulkan = "vulkan"
	// BackendNull is the name of the in-memory recording backend.
	BackendNull = "null"
)

// Common backend errors.
var (
	// ErrBackendNotAvailable is returned when a requested backend is not available.
	ErrBackendNotAvailable = errors.New("backend: not available")
)

// DriverFactory creates a new driver instance, or returns an error if
// the backend cannot run on this machine (no Vulkan loader, no device).
type DriverFactory func() (vkgraph.Driver, error)

// registry holds registered backends.
var (
	registryMu sync.RWMutex
	drivers    = make(map[string]DriverFactory)
	// Priority order for backend selection (first available wins).
	// Vulkan drives real hardware; null is the headless fallback.
	driverPriority = []string{BackendVulkan, BackendNull}
)

// Register registers a driver factory with the given name.
// This is typically called from init() functions in backend packages.
// If a backend with the same name is already registered, it will be replaced.
func Register(name string, factory DriverFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	drivers[name] = factory
}

// Unregister removes a backend from the registry.
// This is useful for testing.
func Unregister(name string) {
	registryMu.Lock()
	defer registryMu.Unlock()
	delete(drivers, name)
}

// Available returns a list of registered backend names.
func Available() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(drivers))
	for name := range drivers {
		names = append(names, name)
	}
	return names
}

// IsRegistered checks if a backend with the given name is registered.
func IsRegistered(name string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := drivers[name]
	return ok
}

// Get creates a driver by backend name.
func Get(name string) (vkgraph.Driver, error) {
	registryMu.RLock()
	factory, ok := drivers[name]
	registryMu.RUnlock()
	if !ok {
		return nil, ErrBackendNotAvailable
	}
	return factory()
}

// Default creates a driver from the best available backend based on
// priority: vulkan > null. A backend whose factory fails (for example
// no Vulkan loader on the machine) is skipped.
func Default() (vkgraph.Driver, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()

	for _, name := range driverPriority {
		if factory, ok := drivers[name]; ok {
			d, err := factory()
			if err == nil {
				return d, nil
			}
		}
	}

	// Fallback: first registered backend that initializes.
	for _, factory := range drivers {
		if d, err := factory(); err == nil {
			return d, nil
		}
	}

	return nil, ErrBackendNotAvailable
}

// MustDefault returns the default driver or panics.
func MustDefault() vkgraph.Driver {
	d, err := Default()
	if err != nil {
		panic("backend: no backend available")
	}
	return d
}
