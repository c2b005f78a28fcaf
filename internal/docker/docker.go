package docker

import "context"

// Client abstracts Docker daemon queries (reads only). Write operations
// (up, down, stop, restart, pull) remain CLI shell-outs driven by the
// stack engine through terminals.
type Client interface {
	// ContainerList returns containers, optionally filtered by compose
	// project. If all is true, includes stopped containers.
	ContainerList(ctx context.Context, all bool, projectFilter string) ([]Container, error)

	// NetworkNames returns the names of all Docker networks.
	NetworkNames(ctx context.Context) ([]string, error)

	// Events returns a channel of container lifecycle events and an error
	// channel. Both close when the context is cancelled.
	Events(ctx context.Context) (<-chan ContainerEvent, <-chan error)

	// Close releases any resources held by the client.
	Close() error
}

// NewClient connects to the Docker daemon via the standard environment
// (DOCKER_HOST etc.) with API version negotiation.
func NewClient() (Client, error) {
	return NewSDKClient()
}
