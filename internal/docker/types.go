package docker

// Container holds the fields the stack engine needs from a running or
// stopped container.
type Container struct {
	ID      string
	Name    string
	Project string // com.docker.compose.project
	Service string // com.docker.compose.service
	Image   string
	State   string   // running, exited, created, paused, dead, ...
	Status  string   // human-readable status, carries health ("Up 2 hours (healthy)")
	Health  string   // healthy, unhealthy, starting, or "" (no healthcheck)
	Ports   []string // "<public>:<private>" for ports with a host mapping
}

// ContainerEvent represents a Docker container lifecycle event.
type ContainerEvent struct {
	Action      string // start, stop, die, create, destroy, ...
	Project     string // from com.docker.compose.project label
	Service     string // from com.docker.compose.service label
	ContainerID string
}

// ServiceStatus is one service's derived state plus its published ports.
type ServiceStatus struct {
	State string   `json:"state"`
	Ports []string `json:"ports"`
}

// ServiceStatusMap groups containers by compose service. The Status string is
// preferred over the raw State because it carries health information.
func ServiceStatusMap(containers []Container) map[string]ServiceStatus {
	result := make(map[string]ServiceStatus, len(containers))
	for _, c := range containers {
		if c.Service == "" {
			continue
		}
		state := c.State
		if c.Status != "" {
			state = c.Status
		}
		result[c.Service] = ServiceStatus{State: state, Ports: c.Ports}
	}
	return result
}
