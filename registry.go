package tether

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/logger"
)

// Registry shares connections between devices. A connection is created on first use of its
// location and lives until Close or Shutdown.
type Registry struct {
	config     Config
	fileConfig FileConfig

	mu    sync.Mutex
	conns map[string]Conn
}

// NewRegistry creates registry creating client connections with config and replays with fileConfig.
func NewRegistry(config Config, fileConfig FileConfig) *Registry {
	return &Registry{
		config:     config,
		fileConfig: fileConfig,
		conns:      map[string]Conn{},
	}
}

// Get returns connection serving the device name, creating it if needed.
func (r *Registry) Get(ctx context.Context, name string) (Conn, error) {
	loc, err := ParseName(name)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := loc.Key()
	if conn, exists := r.conns[key]; exists {
		return conn, nil
	}

	var conn Conn
	if loc.File != "" {
		conn, err = OpenFile(ctx, loc.File, r.fileConfig)
	} else {
		conn, err = NewClient(ctx, loc.Address, r.config)
	}
	if err != nil {
		return nil, err
	}

	logger.Get(ctx).Info("Connection created", zap.String("location", key), zap.String("device", loc.Device))
	r.conns[key] = conn
	return conn, nil
}

// Close closes connection serving the device name.
func (r *Registry) Close(name string) error {
	loc, err := ParseName(name)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	conn, exists := r.conns[loc.Key()]
	if !exists {
		return errors.Errorf("no connection for %q", name)
	}
	delete(r.conns, loc.Key())
	return conn.Close()
}

// Locations returns keys of open connections.
func (r *Registry) Locations() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys := make([]string, 0, len(r.conns))
	for k := range r.conns {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Shutdown closes all connections.
func (r *Registry) Shutdown() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var result error
	for key, conn := range r.conns {
		if err := conn.Close(); err != nil && result == nil {
			result = err
		}
		delete(r.conns, key)
	}
	return result
}
