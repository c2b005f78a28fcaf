package docker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestServiceStatusMap(t *testing.T) {
	t.Parallel()

	containers := []Container{
		{Service: "web", State: "running", Status: "Up 2 hours (healthy)", Ports: []string{"8080:80"}},
		{Service: "db", State: "exited", Status: ""},
		{Service: "", State: "running", Status: "Up 5 minutes"},
	}

	m := ServiceStatusMap(containers)
	assert.Len(t, m, 2, "containers without a compose service label are skipped")

	// Status wins over State when present since it carries health.
	assert.Equal(t, "Up 2 hours (healthy)", m["web"].State)
	assert.Equal(t, []string{"8080:80"}, m["web"].Ports)

	assert.Equal(t, "exited", m["db"].State)
}

func TestParseHealthFromStatus(t *testing.T) {
	t.Parallel()

	cases := []struct {
		state  string
		status string
		want   string
	}{
		{"running", "Up 2 hours (healthy)", "healthy"},
		{"running", "Up 10 seconds (unhealthy)", "unhealthy"},
		{"running", "Up 3 seconds (health: starting)", "starting"},
		{"running", "Up 2 hours", ""},
		{"running", "", ""},
		{"exited", "Exited (0) 2 hours ago", ""},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, parseHealthFromStatus(tc.state, tc.status),
			"parseHealthFromStatus(%q, %q)", tc.state, tc.status)
	}
}
