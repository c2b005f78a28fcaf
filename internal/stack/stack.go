package stack

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Stack status codes. Shared with the frontend.
const (
	UNKNOWN       = 0
	CREATED_FILE  = 1
	CREATED_STACK = 2
	RUNNING       = 3
	EXITED        = 4
)

// Accepted compose file names (checked in order)
var acceptedComposeFileNames = []string{
	"compose.yaml",
	"docker-compose.yaml",
	"docker-compose.yml",
	"compose.yml",
}

var nameRegex = regexp.MustCompile(`^[a-z0-9_-]+$`)

var (
	ErrInvalidName = errors.New("Stack name can only contain lowercase letters, numbers, hyphens and underscores")
	ErrInvalidYAML = errors.New("Invalid YAML")
	ErrInvalidEnv  = errors.New("Invalid .env format")
	ErrNameExists  = errors.New("Stack name already exists")
	ErrNotFound    = errors.New("Stack not found")
)

// Stack represents one docker compose project on disk.
type Stack struct {
	Name            string
	Status          int
	IsManaged       bool
	ComposeFileName string
	ComposeYAML     string
	ComposeENV      string
	Path            string // full path to stack directory
}

// IsStarted returns true if the stack has running containers.
func (s *Stack) IsStarted() bool {
	return s.Status == RUNNING
}

// SimpleJSON is the stack representation used in the stack list broadcast.
type SimpleJSON struct {
	Name              string   `json:"name"`
	Status            int      `json:"status"`
	Started           bool     `json:"started"`
	Tags              []string `json:"tags"`
	IsManagedByDockru bool     `json:"isManagedByDockru"`
	ComposeFileName   string   `json:"composeFileName"`
	Endpoint          string   `json:"endpoint"`
}

// FullJSON adds file content on top of SimpleJSON (for getStack).
type FullJSON struct {
	SimpleJSON
	ComposeYAML     string `json:"composeYAML"`
	ComposeENV      string `json:"composeENV"`
	PrimaryHostname string `json:"primaryHostname"`
}

// ToSimpleJSON returns the stack data for the stack list broadcast.
func (s *Stack) ToSimpleJSON(endpoint string) SimpleJSON {
	return SimpleJSON{
		Name:              s.Name,
		Status:            s.Status,
		Started:           s.IsStarted(),
		Tags:              []string{},
		IsManagedByDockru: s.IsManaged,
		ComposeFileName:   s.ComposeFileName,
		Endpoint:          endpoint,
	}
}

// ToJSON returns full stack data including YAML content. primaryHostname is
// "localhost" for the local instance, else the host part of the endpoint.
func (s *Stack) ToJSON(endpoint string) FullJSON {
	hostname := "localhost"
	if endpoint != "" {
		hostname = endpoint
		if idx := strings.LastIndex(endpoint, ":"); idx > 0 {
			hostname = endpoint[:idx]
		}
	}
	return FullJSON{
		SimpleJSON:      s.ToSimpleJSON(endpoint),
		ComposeYAML:     s.ComposeYAML,
		ComposeENV:      s.ComposeENV,
		PrimaryHostname: hostname,
	}
}

// Validate checks the stack name, compose YAML and .env content.
// The .env must be empty, multiline, or a single line containing "=".
func (s *Stack) Validate() error {
	if s.Name == "" || !nameRegex.MatchString(s.Name) {
		return ErrInvalidName
	}

	var doc map[string]interface{}
	if err := yaml.Unmarshal([]byte(s.ComposeYAML), &doc); err != nil {
		return ErrInvalidYAML
	}

	env := strings.TrimSpace(s.ComposeENV)
	if env != "" && !strings.Contains(env, "\n") && !strings.Contains(env, "=") {
		return ErrInvalidEnv
	}
	return nil
}

// Save validates and writes the stack to disk. For a new stack (isAdd) the
// directory must not exist yet; for an update it must.
func (s *Stack) Save(stacksDir string, isAdd bool) error {
	if err := s.Validate(); err != nil {
		return err
	}

	s.Path = filepath.Join(stacksDir, s.Name)

	_, statErr := os.Stat(s.Path)
	if isAdd {
		if statErr == nil {
			return ErrNameExists
		}
		if err := os.MkdirAll(s.Path, 0755); err != nil {
			return fmt.Errorf("create stack dir: %w", err)
		}
	} else if statErr != nil {
		return ErrNotFound
	}

	if s.ComposeFileName == "" {
		s.ComposeFileName = acceptedComposeFileNames[0]
	}
	if err := os.WriteFile(filepath.Join(s.Path, s.ComposeFileName), []byte(s.ComposeYAML), 0644); err != nil {
		return fmt.Errorf("write compose file: %w", err)
	}

	// Write .env when non-empty, or when the file already exists (so that
	// clearing the editor empties the file rather than leaving stale vars).
	envPath := filepath.Join(s.Path, ".env")
	_, envExists := os.Stat(envPath)
	if s.ComposeENV != "" || envExists == nil {
		if err := os.WriteFile(envPath, []byte(s.ComposeENV), 0644); err != nil {
			return fmt.Errorf("write env file: %w", err)
		}
	}
	return nil
}

// LoadFromDisk reads the compose file and .env from the stack directory.
func (s *Stack) LoadFromDisk(stacksDir string) error {
	s.Path = filepath.Join(stacksDir, s.Name)

	found := false
	for _, name := range acceptedComposeFileNames {
		path := filepath.Join(s.Path, name)
		if data, err := os.ReadFile(path); err == nil {
			s.ComposeFileName = name
			s.ComposeYAML = string(data)
			found = true
			break
		}
	}
	if !found {
		return ErrNotFound
	}
	s.IsManaged = true

	if data, err := os.ReadFile(filepath.Join(s.Path, ".env")); err == nil {
		s.ComposeENV = string(data)
	}
	return nil
}

// ComposeFileExists checks if any accepted compose file exists for a stack.
func ComposeFileExists(stacksDir, stackName string) bool {
	dir := filepath.Join(stacksDir, stackName)
	for _, name := range acceptedComposeFileNames {
		if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
			return true
		}
	}
	return false
}

// StatusConvert converts the status string from `docker compose ls` to a
// status code. Input examples: "running(2)", "exited(2)", "running(2), exited(1)".
// A project with any exited container counts as EXITED even if others run.
func StatusConvert(statusStr string) int {
	switch {
	case strings.HasPrefix(statusStr, "created"):
		return CREATED_STACK
	case strings.Contains(statusStr, "exited"):
		return EXITED
	case strings.HasPrefix(statusStr, "running"):
		return RUNNING
	default:
		return UNKNOWN
	}
}

// ComposeLsEntry is one entry from `docker compose ls --all --format json`.
type ComposeLsEntry struct {
	Name        string `json:"Name"`
	Status      string `json:"Status"`
	ConfigFiles string `json:"ConfigFiles"`
}

// ParseComposeLs parses the JSON output of `docker compose ls --all --format json`.
func ParseComposeLs(data []byte) ([]ComposeLsEntry, error) {
	var entries []ComposeLsEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}
