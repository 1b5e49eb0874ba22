// Package git reads the local git identity used to attribute new issues.
package git

import (
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Identity is the committer configured for a repository or globally.
type Identity struct {
	Name  string
	Email string
}

// Client defines the git lookups triage needs.
type Client interface {
	ConfigValue(path, key string) (string, error)
	Identity(path string) (Identity, error)
}

// RealClient implements Client using real git commands.
type RealClient struct{}

// NewClient returns a new RealClient.
func NewClient() *RealClient {
	return &RealClient{}
}

func gitCmd(path string, args ...string) (string, error) {
	fullArgs := append([]string{"-C", path}, args...)
	out, err := exec.Command("git", fullArgs...).Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return "", fmt.Errorf("git %s: %s: %w", strings.Join(args, " "), strings.TrimSpace(string(exitErr.Stderr)), err)
		}
		return "", fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}
	return strings.TrimSpace(string(out)), nil
}

// ConfigValue returns a git config value. An unset key yields "" and no error.
func (c *RealClient) ConfigValue(path, key string) (string, error) {
	out, err := gitCmd(path, "config", "--get", key)
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return "", nil
		}
		return "", err
	}
	return out, nil
}

// Identity returns user.name and user.email as seen from path.
func (c *RealClient) Identity(path string) (Identity, error) {
	name, err := c.ConfigValue(path, "user.name")
	if err != nil {
		return Identity{}, err
	}
	email, err := c.ConfigValue(path, "user.email")
	if err != nil {
		return Identity{}, err
	}
	return Identity{Name: name, Email: email}, nil
}
