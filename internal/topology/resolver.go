package topology

import "fmt"

// RouteKind tags a RouteDecision.
type RouteKind string

const (
	// RouteContainer routes by container name over a shared network.
	RouteContainer RouteKind = "container"
	// RouteLocalhost routes to a port on the host.
	RouteLocalhost RouteKind = "localhost"
	// RouteUnreachable means no verified route exists.
	RouteUnreachable RouteKind = "unreachable"
)

// RouteDecision is the resolved path from the tunnel to a backend.
type RouteDecision struct {
	Kind RouteKind

	// ContainerName and ServicePort are set for container routes.
	ContainerName string
	ServicePort   int

	// Reason and Recommendation are set for unreachable routes.
	Reason         string
	Recommendation string
}

// ServiceURL renders the decision as a tunnel ingress service address.
func (d RouteDecision) ServiceURL(targetPort int) string {
	switch d.Kind {
	case RouteContainer:
		return fmt.Sprintf("http://%s:%d", d.ContainerName, d.ServicePort)
	case RouteLocalhost:
		return fmt.Sprintf("http://localhost:%d", targetPort)
	default:
		return ""
	}
}

// ResolveRoute decides how the tunnel reaches targetPort, in strict
// priority order: a shared-network container route beats a host-port
// route, and no route is ever guessed. tunnelContainer names the tunnel's
// own container in the snapshot; empty means the tunnel runs on the host.
func ResolveRoute(snap *Snapshot, tunnelContainer string, targetPort int) RouteDecision {
	tunnel := snap.Container(tunnelContainer)

	// The target is containerized when some container either publishes
	// targetPort to the host or listens on it internally.
	target, servicePort, published := findTarget(snap, tunnelContainer, targetPort)

	if target != nil && tunnel != nil {
		if shared := sharedNetwork(tunnel, target); shared != "" {
			return RouteDecision{
				Kind:          RouteContainer,
				ContainerName: target.Name,
				ServicePort:   servicePort,
			}
		}
	}

	if target != nil && published {
		// Host port is published, so localhost works whether the tunnel
		// is containerized (host-gateway) or not.
		return RouteDecision{Kind: RouteLocalhost}
	}

	if target == nil {
		// Not containerized at all: the port registry vouches for the
		// allocation, so this is a bare host process.
		return RouteDecision{Kind: RouteLocalhost}
	}

	// Containerized, unpublished, and no shared network. Never guess.
	if tunnel != nil {
		net := firstNetwork(target)
		return RouteDecision{
			Kind:           RouteUnreachable,
			Reason:         fmt.Sprintf("container %q listens on %d but shares no network with the tunnel and publishes no host port", target.Name, targetPort),
			Recommendation: fmt.Sprintf("attach the tunnel container to network %q or publish port %d to the host", net, targetPort),
		}
	}
	return RouteDecision{
		Kind:           RouteUnreachable,
		Reason:         fmt.Sprintf("container %q listens on %d but publishes no host port, and the tunnel runs on the host", target.Name, targetPort),
		Recommendation: fmt.Sprintf("publish port %d to the host", targetPort),
	}
}

// findTarget picks the container serving targetPort. A published host-port
// match wins over an internal listener since the registry allocates host
// ports. Returns the container port the service listens on and whether the
// match came from a published binding.
func findTarget(snap *Snapshot, tunnelContainer string, targetPort int) (*Container, int, bool) {
	for i := range snap.Containers {
		c := &snap.Containers[i]
		if c.Name == tunnelContainer {
			continue
		}
		for _, b := range c.PublishedPorts {
			if b.HostPort == targetPort {
				return c, b.ContainerPort, true
			}
		}
	}
	for i := range snap.Containers {
		c := &snap.Containers[i]
		if c.Name == tunnelContainer {
			continue
		}
		for _, p := range c.InternalPorts {
			if p == targetPort {
				return c, targetPort, false
			}
		}
	}
	return nil, 0, false
}

func sharedNetwork(a, b *Container) string {
	for _, n := range a.Networks {
		for _, m := range b.Networks {
			if n == m {
				return n
			}
		}
	}
	return ""
}

func firstNetwork(c *Container) string {
	if len(c.Networks) == 0 {
		return "bridge"
	}
	return c.Networks[0]
}
