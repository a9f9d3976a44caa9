package topology

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/moby/moby/client"
)

// Network is a container network as last observed from the runtime.
type Network struct {
	ID     string
	Name   string
	Driver string
}

// PortBinding maps a published host port to a container port.
type PortBinding struct {
	HostPort      int
	ContainerPort int
}

// Container is the slice of container state routing decisions need.
type Container struct {
	ID             string
	Name           string
	Networks       []string
	PublishedPorts []PortBinding
	InternalPorts  []int
}

// Snapshot is the container/network topology as last observed. It is a
// cache for routing decisions, never domain truth.
type Snapshot struct {
	TakenAt    time.Time
	Networks   []Network
	Containers []Container
}

// Container returns the container with the given name, or nil.
func (s *Snapshot) Container(name string) *Container {
	for i := range s.Containers {
		if s.Containers[i].Name == name {
			return &s.Containers[i]
		}
	}
	return nil
}

// Inspector queries the local container runtime and caches the result for
// a short TTL. Decisions themselves are made by ResolveRoute, which is
// pure; the Inspector only feeds it snapshots.
type Inspector struct {
	cli             *client.Client
	tunnelContainer string
	ttl             time.Duration
	timeout         time.Duration

	mu     sync.Mutex
	cached *Snapshot
}

// NewInspector creates an Inspector over the ambient Docker environment.
// tunnelContainer is the name of the tunnel's own container; empty means
// the tunnel runs directly on the host.
func NewInspector(tunnelContainer string, ttl, timeout time.Duration) (*Inspector, error) {
	cli, err := client.New(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("could not create docker client: %w", err)
	}
	return &Inspector{
		cli:             cli,
		tunnelContainer: tunnelContainer,
		ttl:             ttl,
		timeout:         timeout,
	}, nil
}

// Snapshot fetches the current topology from the runtime, bypassing the
// cache, and stores the result as the new cached snapshot.
func (i *Inspector) Snapshot(ctx context.Context) (*Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	networks, err := i.cli.NetworkList(ctx, client.NetworkListOptions{})
	if err != nil {
		return nil, fmt.Errorf("could not list networks: %w", err)
	}

	containers, err := i.cli.ContainerList(ctx, client.ContainerListOptions{})
	if err != nil {
		return nil, fmt.Errorf("could not list containers: %w", err)
	}

	snap := &Snapshot{TakenAt: time.Now()}
	for _, n := range networks.Items {
		snap.Networks = append(snap.Networks, Network{
			ID:     n.ID,
			Name:   n.Name,
			Driver: n.Driver,
		})
	}

	for _, c := range containers.Items {
		entry := Container{ID: c.ID, Name: containerName(c.Names)}
		if c.NetworkSettings != nil {
			for netName := range c.NetworkSettings.Networks {
				entry.Networks = append(entry.Networks, netName)
			}
		}
		for _, p := range c.Ports {
			if p.PublicPort > 0 {
				entry.PublishedPorts = append(entry.PublishedPorts, PortBinding{
					HostPort:      int(p.PublicPort),
					ContainerPort: int(p.PrivatePort),
				})
			} else {
				entry.InternalPorts = append(entry.InternalPorts, int(p.PrivatePort))
			}
		}
		snap.Containers = append(snap.Containers, entry)
	}

	i.mu.Lock()
	i.cached = snap
	i.mu.Unlock()
	return snap, nil
}

// Resolve answers how the tunnel reaches targetPort. It decides from the
// cached snapshot when fresh; an unreachable answer from a cached snapshot
// is re-checked against a fresh one before it is returned, so stale cache
// never produces a false unreachable.
func (i *Inspector) Resolve(ctx context.Context, targetPort int) (RouteDecision, error) {
	i.mu.Lock()
	snap := i.cached
	i.mu.Unlock()

	fromCache := snap != nil && time.Since(snap.TakenAt) < i.ttl
	if !fromCache {
		fresh, err := i.Snapshot(ctx)
		if err != nil {
			return RouteDecision{}, err
		}
		snap = fresh
	}

	decision := ResolveRoute(snap, i.tunnelContainer, targetPort)
	if decision.Kind == RouteUnreachable && fromCache {
		fresh, err := i.Snapshot(ctx)
		if err != nil {
			return RouteDecision{}, err
		}
		decision = ResolveRoute(fresh, i.tunnelContainer, targetPort)
	}
	return decision, nil
}

// Docker reports names with a leading slash.
func containerName(names []string) string {
	if len(names) == 0 {
		return ""
	}
	return strings.TrimPrefix(names[0], "/")
}
