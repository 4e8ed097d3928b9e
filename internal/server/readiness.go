package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/bldr-io/bldr/internal/conn"
	"github.com/bldr-io/bldr/internal/metadata"
	"github.com/bldr-io/bldr/internal/metadata/keys"
)

// probeKey is read by the store check. It is never written.
var probeKey = keys.Prefix + "/health-check"

// MetadataStoreChecker reports ready while the metadata store answers reads.
type MetadataStoreChecker struct {
	store metadata.Store
}

func NewMetadataStoreChecker(store metadata.Store) *MetadataStoreChecker {
	return &MetadataStoreChecker{store: store}
}

func (c *MetadataStoreChecker) Name() string { return "metadata_store" }

// CheckReady reads probeKey; a missing key is a successful read.
func (c *MetadataStoreChecker) CheckReady(ctx context.Context) error {
	if c.store == nil {
		return errors.New("metadata store not configured")
	}
	_, err := c.store.Get(ctx, probeKey)
	return err
}

// ConnStater is the part of *conn.Conn the checker needs.
type ConnStater interface {
	State() conn.State
}

// RouterConnChecker reports ready while at least one router connection has
// a live session.
type RouterConnChecker struct {
	conns func() []ConnStater
}

// NewRouterConnChecker creates a checker over the connections returned by
// conns, which is called on every check so it can follow discovery.
func NewRouterConnChecker(conns func() []ConnStater) *RouterConnChecker {
	return &RouterConnChecker{conns: conns}
}

func (c *RouterConnChecker) Name() string { return "router_connections" }

// CheckReady fails when no connection is ready.
func (c *RouterConnChecker) CheckReady(context.Context) error {
	if c.conns == nil {
		return errors.New("no router connections configured")
	}
	conns := c.conns()
	for _, cn := range conns {
		if cn.State() == conn.StateReady {
			return nil
		}
	}
	return fmt.Errorf("none of %d router connections is ready", len(conns))
}

// FuncChecker adapts a function to ReadinessChecker. A nil function is
// always ready.
type FuncChecker struct {
	name  string
	check func(context.Context) error
}

func NewFuncChecker(name string, check func(context.Context) error) *FuncChecker {
	return &FuncChecker{name: name, check: check}
}

func (c *FuncChecker) Name() string { return c.name }

func (c *FuncChecker) CheckReady(ctx context.Context) error {
	if c.check == nil {
		return nil
	}
	return c.check(ctx)
}
