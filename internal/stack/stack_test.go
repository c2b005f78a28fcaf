package stack

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validYAML = "services:\n  web:\n    image: nginx\n"

func TestValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		stack   Stack
		wantErr error
	}{
		{"valid", Stack{Name: "my-stack_1", ComposeYAML: validYAML}, nil},
		{"empty name", Stack{Name: "", ComposeYAML: validYAML}, ErrInvalidName},
		{"uppercase name", Stack{Name: "MyStack", ComposeYAML: validYAML}, ErrInvalidName},
		{"space in name", Stack{Name: "my stack", ComposeYAML: validYAML}, ErrInvalidName},
		{"bad yaml", Stack{Name: "web", ComposeYAML: "services: [unbalanced"}, ErrInvalidYAML},
		{"single line env without equals", Stack{Name: "web", ComposeYAML: validYAML, ComposeENV: "NOEQUALS"}, ErrInvalidEnv},
		{"single line env with equals", Stack{Name: "web", ComposeYAML: validYAML, ComposeENV: "KEY=value"}, nil},
		{"multiline env", Stack{Name: "web", ComposeYAML: validYAML, ComposeENV: "line one\nline two"}, nil},
		{"empty env", Stack{Name: "web", ComposeYAML: validYAML, ComposeENV: ""}, nil},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.stack.Validate()
			if tc.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tc.wantErr)
			}
		})
	}
}

func TestStatusConvert(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want int
	}{
		{"running(2)", RUNNING},
		{"exited(2)", EXITED},
		{"running(2), exited(1)", EXITED},
		{"created(1)", CREATED_STACK},
		{"paused(1)", UNKNOWN},
		{"", UNKNOWN},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, StatusConvert(tc.in), "StatusConvert(%q)", tc.in)
	}
}

func TestSaveAdd(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s := &Stack{Name: "web", ComposeYAML: validYAML}
	require.NoError(t, s.Save(dir, true))

	data, err := os.ReadFile(filepath.Join(dir, "web", "compose.yaml"))
	require.NoError(t, err)
	assert.Equal(t, validYAML, string(data))

	// No .env content, no .env file.
	_, err = os.Stat(filepath.Join(dir, "web", ".env"))
	assert.True(t, os.IsNotExist(err))

	// Adding again fails.
	dup := &Stack{Name: "web", ComposeYAML: validYAML}
	assert.ErrorIs(t, dup.Save(dir, true), ErrNameExists)
}

func TestSaveUpdateRequiresExistingDir(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s := &Stack{Name: "ghost", ComposeYAML: validYAML}
	assert.ErrorIs(t, s.Save(dir, false), ErrNotFound)
}

func TestSaveEnvHandling(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s := &Stack{Name: "web", ComposeYAML: validYAML, ComposeENV: "KEY=value\n"}
	require.NoError(t, s.Save(dir, true))

	envPath := filepath.Join(dir, "web", ".env")
	data, err := os.ReadFile(envPath)
	require.NoError(t, err)
	assert.Equal(t, "KEY=value\n", string(data))

	// Clearing the env rewrites the existing file to empty rather than
	// leaving stale vars behind.
	s2 := &Stack{Name: "web", ComposeYAML: validYAML, ComposeENV: ""}
	require.NoError(t, s2.Save(dir, false))

	data, err = os.ReadFile(envPath)
	require.NoError(t, err)
	assert.Empty(t, string(data))
}

func TestSaveKeepsExistingComposeFileName(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "web"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "web", "docker-compose.yml"), []byte(validYAML), 0644))

	s := &Stack{Name: "web"}
	require.NoError(t, s.LoadFromDisk(dir))
	assert.Equal(t, "docker-compose.yml", s.ComposeFileName)

	s.ComposeYAML = validYAML + "    restart: always\n"
	require.NoError(t, s.Save(dir, false))

	data, err := os.ReadFile(filepath.Join(dir, "web", "docker-compose.yml"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "restart: always")
}

func TestLoadFromDiskPreference(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	// Both names present: compose.yaml wins.
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "web"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "web", "compose.yaml"), []byte("a: 1\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "web", "compose.yml"), []byte("b: 2\n"), 0644))

	s := &Stack{Name: "web"}
	require.NoError(t, s.LoadFromDisk(dir))
	assert.Equal(t, "compose.yaml", s.ComposeFileName)
	assert.Equal(t, "a: 1\n", s.ComposeYAML)
	assert.True(t, s.IsManaged)

	missing := &Stack{Name: "nope"}
	assert.ErrorIs(t, missing.LoadFromDisk(dir), ErrNotFound)
}

func TestToJSONPrimaryHostname(t *testing.T) {
	t.Parallel()

	s := &Stack{Name: "web", Status: RUNNING}

	local := s.ToJSON("")
	assert.Equal(t, "localhost", local.PrimaryHostname)
	assert.Equal(t, "", local.Endpoint)
	assert.True(t, local.Started)

	remote := s.ToJSON("host.example:5001")
	assert.Equal(t, "host.example", remote.PrimaryHostname)
	assert.Equal(t, "host.example:5001", remote.Endpoint)

	noPort := s.ToJSON("host.example")
	assert.Equal(t, "host.example", noPort.PrimaryHostname)
}

func TestToSimpleJSONTagsNeverNil(t *testing.T) {
	t.Parallel()

	j := (&Stack{Name: "web"}).ToSimpleJSON("")
	assert.NotNil(t, j.Tags)
	assert.Empty(t, j.Tags)
}

func TestParseComposeLs(t *testing.T) {
	t.Parallel()

	data := []byte(`[{"Name":"web","Status":"running(2)","ConfigFiles":"/opt/stacks/web/compose.yaml"},{"Name":"db","Status":"exited(1)","ConfigFiles":"/opt/stacks/db/compose.yaml"}]`)
	entries, err := ParseComposeLs(data)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "web", entries[0].Name)
	assert.Equal(t, "running(2)", entries[0].Status)

	_, err = ParseComposeLs([]byte("not json"))
	assert.Error(t, err)
}

func TestList(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	// Two managed stacks on disk, one directory without a compose file.
	for _, name := range []string{"web", "db"} {
		require.NoError(t, os.MkdirAll(filepath.Join(dir, name), 0755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, name, "compose.yaml"), []byte(validYAML), 0644))
	}
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "not-a-stack"), 0755))

	entries := []ComposeLsEntry{
		{Name: "web", Status: "running(2)"},
		{Name: "legacy", Status: "exited(1)"},
		{Name: "dockru", Status: "running(1)"},
	}

	stacks := List(dir, entries)

	require.Contains(t, stacks, "web")
	assert.Equal(t, RUNNING, stacks["web"].Status)
	assert.True(t, stacks["web"].IsManaged)
	assert.Equal(t, "compose.yaml", stacks["web"].ComposeFileName)

	// On disk but not in docker: stays at CREATED_FILE.
	require.Contains(t, stacks, "db")
	assert.Equal(t, CREATED_FILE, stacks["db"].Status)

	// Known to docker but not on disk: unmanaged.
	require.Contains(t, stacks, "legacy")
	assert.False(t, stacks["legacy"].IsManaged)
	assert.Equal(t, EXITED, stacks["legacy"].Status)

	// The server's own unmanaged project is hidden.
	assert.NotContains(t, stacks, "dockru")

	// Directories without a compose file are not stacks.
	assert.NotContains(t, stacks, "not-a-stack")
}

func TestListManagedSelfIsKept(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	// A managed stack that happens to be named like the server is listed.
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "dockru"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "dockru", "compose.yaml"), []byte(validYAML), 0644))

	stacks := List(dir, []ComposeLsEntry{{Name: "dockru", Status: "running(1)"}})
	require.Contains(t, stacks, "dockru")
	assert.True(t, stacks["dockru"].IsManaged)
	assert.Equal(t, RUNNING, stacks["dockru"].Status)
}

func TestBuildListJSON(t *testing.T) {
	t.Parallel()

	stacks := map[string]*Stack{
		"web": {Name: "web", Status: RUNNING, IsManaged: true},
	}
	list := BuildListJSON(stacks, "peer:5001")
	require.Contains(t, list, "web")
	assert.Equal(t, "peer:5001", list["web"].Endpoint)
	assert.True(t, list["web"].IsManagedByDockru)
}
