// Package discovery provides etcd-backed service registration and lookup.
//
// Services register under /services/<name>/<id> with a leased key; the
// lease keepalive runs in the background until the shutdown context is
// cancelled, so a crashed process disappears from discovery within the
// lease TTL.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/insider-one/notification-gateway/internal/config"
	"github.com/insider-one/notification-gateway/internal/domain"
)

const servicePrefix = "/services/"

// Registry talks to etcd for registration and discovery. Implements
// domain.Resolver for the downstream service clients.
type Registry struct {
	client  *clientv3.Client
	logger  *slog.Logger
	leaseID clientv3.LeaseID
}

// registration is the JSON payload stored per service instance.
type registration struct {
	Name         string `json:"name"`
	ID           string `json:"id"`
	Address      string `json:"address"`
	Port         int    `json:"port"`
	RegisteredAt string `json:"registered_at"`
}

// New connects to etcd.
func New(cfg config.EtcdConfig, logger *slog.Logger) (*Registry, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}
	return &Registry{client: client, logger: logger}, nil
}

// Close releases the etcd client.
func (r *Registry) Close() error {
	return r.client.Close()
}

// Register announces this process under /services/<name>/<id> with a leased
// key and starts the keepalive loop. The loop stops when ctx is cancelled.
func (r *Registry) Register(ctx context.Context, name, id, host string, port int, leaseTTL time.Duration) error {
	lease, err := r.client.Grant(ctx, int64(leaseTTL.Seconds()))
	if err != nil {
		return fmt.Errorf("failed to grant lease: %w", err)
	}
	r.leaseID = lease.ID

	payload, err := json.Marshal(registration{
		Name:         name,
		ID:           id,
		Address:      host,
		Port:         port,
		RegisteredAt: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal registration: %w", err)
	}

	key := servicePrefix + name + "/" + id
	if _, err := r.client.Put(ctx, key, string(payload), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("failed to register service: %w", err)
	}

	keepalive, err := r.client.KeepAlive(ctx, lease.ID)
	if err != nil {
		return fmt.Errorf("failed to start lease keepalive: %w", err)
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case resp, ok := <-keepalive:
				if !ok {
					r.logger.Warn("etcd lease keepalive channel closed",
						"service", name,
					)
					return
				}
				_ = resp
			}
		}
	}()

	r.logger.Info("registered with etcd",
		"service", name,
		"instance", id,
		"lease_ttl", leaseTTL,
	)
	return nil
}

// Deregister removes this instance's key.
func (r *Registry) Deregister(ctx context.Context, name, id string) error {
	key := servicePrefix + name + "/" + id
	if _, err := r.client.Delete(ctx, key); err != nil {
		return fmt.Errorf("failed to deregister service: %w", err)
	}
	r.logger.Info("deregistered from etcd", "service", name, "instance", id)
	return nil
}

// Resolve returns the first registered instance of the named service.
func (r *Registry) Resolve(ctx context.Context, serviceName string) (domain.Instance, error) {
	resp, err := r.client.Get(ctx, servicePrefix+serviceName+"/", clientv3.WithPrefix())
	if err != nil {
		return domain.Instance{}, fmt.Errorf("failed to query etcd for %s: %w", serviceName, err)
	}

	for _, kv := range resp.Kvs {
		var reg registration
		if err := json.Unmarshal(kv.Value, &reg); err != nil {
			r.logger.Warn("skipping malformed service registration",
				"service", serviceName,
				"key", string(kv.Key),
				"error", err,
			)
			continue
		}
		return domain.Instance{Address: reg.Address, Port: reg.Port}, nil
	}

	return domain.Instance{}, fmt.Errorf("%w: %s", domain.ErrServiceUnresolved, serviceName)
}

// Health verifies etcd reachability by resolving the gateway's own
// registration.
func (r *Registry) Health(ctx context.Context) error {
	_, err := r.Resolve(ctx, "api-gateway")
	return err
}
