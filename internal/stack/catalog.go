package stack

import (
	"log/slog"
	"os"
	"path/filepath"
)

// unmanagedSelfName is the compose project of this server itself. An
// unmanaged project with this name is skipped so the catalog never lists
// the instance that serves it.
const unmanagedSelfName = "dockru"

// List scans the stacks directory for managed stacks and merges in status
// from `docker compose ls` entries. Managed stacks without a docker project
// stay at CREATED_FILE; projects docker knows but the directory scan does
// not are added as unmanaged.
func List(stacksDir string, entries []ComposeLsEntry) map[string]*Stack {
	stacks := make(map[string]*Stack)

	dirEntries, err := os.ReadDir(stacksDir)
	if err != nil {
		slog.Warn("scan stacks dir", "err", err, "dir", stacksDir)
	}
	for _, entry := range dirEntries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !ComposeFileExists(stacksDir, name) {
			continue
		}

		s := &Stack{
			Name:      name,
			Status:    CREATED_FILE,
			IsManaged: true,
			Path:      filepath.Join(stacksDir, name),
		}
		for _, fname := range acceptedComposeFileNames {
			if _, err := os.Stat(filepath.Join(s.Path, fname)); err == nil {
				s.ComposeFileName = fname
				break
			}
		}
		stacks[name] = s
	}

	for _, entry := range entries {
		s, exists := stacks[entry.Name]
		if !exists {
			if entry.Name == unmanagedSelfName {
				continue
			}
			s = &Stack{
				Name:      entry.Name,
				IsManaged: false,
			}
			stacks[entry.Name] = s
		}
		s.Status = StatusConvert(entry.Status)
	}

	return stacks
}

// BuildListJSON converts a stack map to the shape the stackList event carries.
func BuildListJSON(stacks map[string]*Stack, endpoint string) map[string]SimpleJSON {
	result := make(map[string]SimpleJSON, len(stacks))
	for name, s := range stacks {
		result[name] = s.ToSimpleJSON(endpoint)
	}
	return result
}
