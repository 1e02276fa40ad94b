package cloudview

import (
	"fmt"
	"sort"
	"sync"
)

// DriverFactory creates a backend for one server entry. ns is the namespace
// the server will join; overlay drivers use it to find their base server.
type DriverFactory func(ns *Namespace, sc ServerConfig) (Backend, error)

var (
	driverFactories = make(map[string]DriverFactory)
	factoryMutex    sync.RWMutex
)

// RegisterDriver registers a driver factory function
func RegisterDriver(name string, factory DriverFactory) {
	factoryMutex.Lock()
	defer factoryMutex.Unlock()
	driverFactories[name] = factory
}

// CreateDriver creates a backend from a server entry
func CreateDriver(ns *Namespace, sc ServerConfig) (Backend, error) {
	factoryMutex.RLock()
	factory, exists := driverFactories[sc.Driver]
	factoryMutex.RUnlock()

	if !exists {
		return nil, fmt.Errorf("driver %s not registered", sc.Driver)
	}

	return factory(ns, sc)
}

// Drivers lists the registered driver names.
func Drivers() []string {
	factoryMutex.RLock()
	defer factoryMutex.RUnlock()
	out := make([]string, 0, len(driverFactories))
	for name := range driverFactories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Mount creates the backend for sc and registers it in ns.
func (ns *Namespace) Mount(sc ServerConfig) (*Server, error) {
	b, err := CreateDriver(ns, sc)
	if err != nil {
		return nil, fmt.Errorf("server %s: %w", sc.Name, err)
	}
	opts := []ServerOption{WithIcon(sc.Icon)}
	if sc.DependsOn != "" {
		opts = append(opts, DependsOn(sc.DependsOn))
	}
	if sc.ReadOnly {
		opts = append(opts, ReadOnly())
	}
	s, err := ns.AddServer(sc.Name, sc.Driver, b, opts...)
	if err != nil {
		_ = closeBackend(b)
		return nil, err
	}
	return s, nil
}
