package restart

import (
	"context"
	"fmt"
	"time"

	"github.com/moby/moby/client"
)

// DockerRestarter restarts the tunnel's container through the container
// runtime. It is the default Restarter when the tunnel runs in Docker.
type DockerRestarter struct {
	cli       *client.Client
	container string
	timeout   time.Duration
}

// NewDockerRestarter creates a restarter for the named tunnel container.
func NewDockerRestarter(container string, timeout time.Duration) (*DockerRestarter, error) {
	cli, err := client.New(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("could not create docker client: %w", err)
	}
	return &DockerRestarter{cli: cli, container: container, timeout: timeout}, nil
}

// Restart asks the runtime to restart the tunnel container.
func (d *DockerRestarter) Restart(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	if _, err := d.cli.ContainerRestart(ctx, d.container, client.ContainerRestartOptions{}); err != nil {
		return fmt.Errorf("could not restart tunnel container %q: %w", d.container, err)
	}
	return nil
}
