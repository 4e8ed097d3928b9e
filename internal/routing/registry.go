package routing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bldr-io/bldr/internal/logging"
	"github.com/bldr-io/bldr/internal/metadata"
	"github.com/bldr-io/bldr/internal/metadata/keys"
)

// RouterInfo holds information about a registered router.
type RouterInfo struct {
	// RouterID is the unique identifier for this router.
	RouterID string `json:"routerId"`

	// Addr is the host:port services dial to reach the router.
	Addr string `json:"addr"`

	// ZoneID is the availability zone where this router runs.
	ZoneID string `json:"zoneId,omitempty"`

	// StartedAt is the Unix timestamp (milliseconds) when the router started.
	StartedAt int64 `json:"startedAt"`

	// BuildInfo contains version and build metadata.
	BuildInfo BuildInfo `json:"buildInfo"`
}

// BuildInfo contains version and build metadata.
type BuildInfo struct {
	Version   string `json:"version"`
	GitCommit string `json:"gitCommit"`
	BuildTime string `json:"buildTime"`
}

// Resolver returns the routers a service should connect to.
type Resolver interface {
	Routers(ctx context.Context) ([]RouterInfo, error)
}

// ErrNoRouters is returned by resolvers that know of no router.
var ErrNoRouters = errors.New("routing: no routers available")

// StaticResolver resolves a fixed list of addresses. The address doubles as
// the router id.
type StaticResolver []string

// Routers implements Resolver.
func (s StaticResolver) Routers(context.Context) ([]RouterInfo, error) {
	if len(s) == 0 {
		return nil, ErrNoRouters
	}
	out := make([]RouterInfo, 0, len(s))
	for _, addr := range s {
		out = append(out, RouterInfo{RouterID: addr, Addr: addr})
	}
	return out, nil
}

// Watch reports the fixed list once and blocks until ctx is done.
func (s StaticResolver) Watch(ctx context.Context, onChange func([]RouterInfo)) error {
	routers, err := s.Routers(ctx)
	if err != nil {
		return err
	}
	onChange(routers)
	<-ctx.Done()
	return nil
}

// RegistryConfig configures the router registry.
type RegistryConfig struct {
	// ClusterID is the identifier for this bldr cluster.
	ClusterID string

	// RouterID is the unique identifier for this router. Leave empty for a
	// registry that only discovers.
	RouterID string

	// Addr is the advertised host:port of this router.
	Addr string

	// ZoneID is the availability zone for this router.
	ZoneID string

	// BuildInfo contains version and build metadata.
	BuildInfo BuildInfo

	// Logger for registration events.
	Logger *logging.Logger
}

// Registry manages router registration and discovery using ephemeral keys.
// Routers register themselves on startup, and the registration is cleaned up
// when the router's session ends.
type Registry struct {
	store  metadata.Store
	config RegistryConfig
	logger *logging.Logger

	mu         sync.RWMutex
	registered bool
	startedAt  int64
}

// NewRegistry creates a new router registry.
func NewRegistry(store metadata.Store, config RegistryConfig) *Registry {
	logger := config.Logger
	if logger == nil {
		logger = logging.DefaultLogger()
	}

	return &Registry{
		store:     store,
		config:    config,
		logger:    logger,
		startedAt: time.Now().UnixMilli(),
	}
}

// Register publishes this router under an ephemeral key.
func (r *Registry) Register(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.config.RouterID == "" {
		return errors.New("routing: registry has no router id")
	}

	data, err := json.Marshal(r.infoLocked())
	if err != nil {
		return fmt.Errorf("failed to marshal router info: %w", err)
	}

	key := keys.RouterKeyPath(r.config.ClusterID, r.config.RouterID)
	if _, err := r.store.Put(ctx, key, data, metadata.Ephemeral()); err != nil {
		return fmt.Errorf("failed to register router: %w", err)
	}

	r.registered = true
	r.logger.Infof("router registered", map[string]any{
		"routerId": r.config.RouterID,
		"addr":     r.config.Addr,
		"key":      key,
	})
	return nil
}

// Deregister removes the registration. Ephemeral keys also vanish when the
// session ends, so this only speeds up discovery during a clean shutdown.
func (r *Registry) Deregister(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.registered {
		return nil
	}

	key := keys.RouterKeyPath(r.config.ClusterID, r.config.RouterID)
	if err := r.store.Delete(ctx, key); err != nil {
		return fmt.Errorf("failed to deregister router: %w", err)
	}

	r.registered = false
	r.logger.Infof("router deregistered", map[string]any{
		"routerId": r.config.RouterID,
		"key":      key,
	})
	return nil
}

// ListRouters returns all registered routers ordered by router id.
func (r *Registry) ListRouters(ctx context.Context) ([]RouterInfo, error) {
	kvs, err := r.store.List(ctx, keys.RoutersPrefix(r.config.ClusterID), "", 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list routers: %w", err)
	}

	routers := make([]RouterInfo, 0, len(kvs))
	for _, kv := range kvs {
		var info RouterInfo
		if err := json.Unmarshal(kv.Value, &info); err != nil {
			r.logger.Warnf("failed to unmarshal router info", map[string]any{
				"key":   kv.Key,
				"error": err.Error(),
			})
			continue
		}
		routers = append(routers, info)
	}
	sort.Slice(routers, func(i, j int) bool { return routers[i].RouterID < routers[j].RouterID })
	return routers, nil
}

// Routers implements Resolver.
func (r *Registry) Routers(ctx context.Context) ([]RouterInfo, error) {
	routers, err := r.ListRouters(ctx)
	if err != nil {
		return nil, err
	}
	if len(routers) == 0 {
		return nil, ErrNoRouters
	}
	return routers, nil
}

// GetRouter retrieves information about a specific router.
func (r *Registry) GetRouter(ctx context.Context, routerID string) (RouterInfo, bool, error) {
	result, err := r.store.Get(ctx, keys.RouterKeyPath(r.config.ClusterID, routerID))
	if err != nil {
		return RouterInfo{}, false, fmt.Errorf("failed to get router: %w", err)
	}
	if !result.Exists {
		return RouterInfo{}, false, nil
	}

	var info RouterInfo
	if err := json.Unmarshal(result.Value, &info); err != nil {
		return RouterInfo{}, false, fmt.Errorf("failed to unmarshal router info: %w", err)
	}
	return info, true, nil
}

// Watch calls onChange with the full router list once at start and again
// after every change under the routers prefix. It blocks until ctx is done
// or the notification stream fails.
func (r *Registry) Watch(ctx context.Context, onChange func([]RouterInfo)) error {
	stream, err := r.store.Watch(ctx, keys.RoutersPrefix(r.config.ClusterID))
	if err != nil {
		return fmt.Errorf("failed to watch routers: %w", err)
	}
	defer stream.Close()

	routers, err := r.ListRouters(ctx)
	if err != nil {
		return err
	}
	onChange(routers)

	for {
		e, err := stream.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("router watch interrupted: %w", err)
		}
		if _, _, err := keys.ParseRouterKey(e.Key); err != nil {
			continue
		}

		routers, err := r.ListRouters(ctx)
		if err != nil {
			r.logger.Warnf("failed to refresh routers", map[string]any{"error": err.Error()})
			continue
		}
		onChange(routers)
	}
}

// IsRegistered returns whether this router is currently registered.
func (r *Registry) IsRegistered() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.registered
}

// Info returns this router's registration record.
func (r *Registry) Info() RouterInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.infoLocked()
}

func (r *Registry) infoLocked() RouterInfo {
	return RouterInfo{
		RouterID:  r.config.RouterID,
		Addr:      r.config.Addr,
		ZoneID:    r.config.ZoneID,
		StartedAt: r.startedAt,
		BuildInfo: r.config.BuildInfo,
	}
}

// ClusterID returns the cluster ID this registry is associated with.
func (r *Registry) ClusterID() string {
	return r.config.ClusterID
}
