package docker

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
)

// parseHealthFromStatus extracts the health status from Docker's
// human-readable Status string (e.g. "Up 2 hours (unhealthy)"). Returns
// "healthy", "unhealthy", "starting", or "" if no healthcheck is configured.
func parseHealthFromStatus(state, status string) string {
	if state != "running" || status == "" {
		return ""
	}
	lower := strings.ToLower(status)
	if strings.HasSuffix(lower, "(unhealthy)") {
		return "unhealthy"
	}
	if strings.HasSuffix(lower, "(healthy)") {
		return "healthy"
	}
	if strings.HasSuffix(lower, "(health: starting)") {
		return "starting"
	}
	return ""
}

// SDKClient implements Client using the Docker Engine SDK.
type SDKClient struct {
	cli *client.Client
}

// NewSDKClient creates an SDKClient that connects to the Docker daemon
// via the default socket (DOCKER_HOST or /var/run/docker.sock).
func NewSDKClient() (*SDKClient, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker sdk: %w", err)
	}
	return &SDKClient{cli: cli}, nil
}

func (s *SDKClient) ContainerList(ctx context.Context, all bool, projectFilter string) ([]Container, error) {
	opts := container.ListOptions{All: all}
	if projectFilter != "" {
		opts.Filters = filters.NewArgs(
			filters.Arg("label", "com.docker.compose.project="+projectFilter),
		)
	}

	raw, err := s.cli.ContainerList(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("container list: %w", err)
	}

	result := make([]Container, 0, len(raw))
	for _, c := range raw {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}

		// Only ports with a host mapping are interesting to the frontend
		ports := make([]string, 0, len(c.Ports))
		for _, p := range c.Ports {
			if p.PublicPort == 0 {
				continue
			}
			ports = append(ports, strconv.Itoa(int(p.PublicPort))+":"+strconv.Itoa(int(p.PrivatePort)))
		}
		sort.Strings(ports)

		result = append(result, Container{
			ID:      c.ID,
			Name:    name,
			Project: c.Labels["com.docker.compose.project"],
			Service: c.Labels["com.docker.compose.service"],
			Image:   c.Image,
			State:   c.State,
			Status:  c.Status,
			Health:  parseHealthFromStatus(c.State, c.Status),
			Ports:   ports,
		})
	}
	return result, nil
}

func (s *SDKClient) NetworkNames(ctx context.Context) ([]string, error) {
	networks, err := s.cli.NetworkList(ctx, network.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("network list: %w", err)
	}

	names := make([]string, 0, len(networks))
	for _, n := range networks {
		names = append(names, n.Name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *SDKClient) Events(ctx context.Context) (<-chan ContainerEvent, <-chan error) {
	out := make(chan ContainerEvent, 64)
	outErr := make(chan error, 1)

	opts := events.ListOptions{
		Filters: filters.NewArgs(
			filters.Arg("type", string(events.ContainerEventType)),
		),
	}

	msgCh, errCh := s.cli.Events(ctx, opts)

	go func() {
		defer close(out)
		defer close(outErr)

		for {
			select {
			case msg, ok := <-msgCh:
				if !ok {
					return
				}

				action := string(msg.Action)
				switch msg.Action {
				case events.ActionStart, events.ActionStop, events.ActionDie,
					events.ActionPause, events.ActionUnPause,
					events.ActionDestroy, events.ActionCreate:
					// ok
				default:
					if !strings.HasPrefix(action, "health_status") {
						continue
					}
				}

				evt := ContainerEvent{
					Action:      action,
					ContainerID: msg.Actor.ID,
					Project:     msg.Actor.Attributes["com.docker.compose.project"],
					Service:     msg.Actor.Attributes["com.docker.compose.service"],
				}

				select {
				case out <- evt:
				case <-ctx.Done():
					return
				}

			case err, ok := <-errCh:
				if !ok {
					return
				}
				select {
				case outErr <- err:
				case <-ctx.Done():
				}
				return
			}
		}
	}()

	return out, outErr
}

func (s *SDKClient) Close() error {
	return s.cli.Close()
}

// Ensure SDKClient implements Client at compile time.
var _ Client = (*SDKClient)(nil)
