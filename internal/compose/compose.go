package compose

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
)

// Accepted compose file names, preference-ordered.
// Duplicated in the stack package to avoid a circular import.
var acceptedComposeFileNames = []string{
	"compose.yaml",
	"docker-compose.yaml",
	"docker-compose.yml",
	"compose.yml",
}

// FindComposeFile returns the full path to the compose file for a stack,
// checking accepted file names in order. Returns empty string if none found.
func FindComposeFile(stacksDir, stackName string) string {
	dir := filepath.Join(stacksDir, stackName)
	for _, name := range acceptedComposeFileNames {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// GlobalEnvArgs returns --env-file flags to prepend to compose args when
// global.env exists in the stacks directory. If the stack also has a local
// .env, it is re-added explicitly (--env-file overrides the default .env
// loading). Returns nil when no global.env exists; the local flag is only
// ever added alongside the global one.
func GlobalEnvArgs(stacksDir, stackName string) []string {
	globalPath := filepath.Join(stacksDir, "global.env")
	if _, err := os.Stat(globalPath); err != nil {
		return nil
	}
	args := []string{"--env-file", "../global.env"}
	localEnv := filepath.Join(stacksDir, stackName, ".env")
	if _, err := os.Stat(localEnv); err == nil {
		args = append(args, "--env-file", "./.env")
	}
	return args
}

// Ls runs `docker compose ls --all --format json` and returns the raw JSON.
// This is the authoritative status source for the stack catalog.
func Ls(ctx context.Context) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "docker", "compose", "ls", "--all", "--format", "json")
	return cmd.Output()
}

// Options builds the full docker argument list for a compose subcommand:
// ["compose", <env-file flags>, op, extras...]. The caller runs it with the
// stack directory as the working directory.
func Options(stacksDir, stackName, op string, extras ...string) []string {
	args := []string{"compose"}
	args = append(args, GlobalEnvArgs(stacksDir, stackName)...)
	args = append(args, op)
	args = append(args, extras...)
	return args
}
