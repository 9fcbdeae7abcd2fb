// Package secrets resolves sensitive material (wallet seeds, hot wallet
// keys) from a pluggable backend. Production deploys mount secrets as
// files; development reads them from the environment.
package secrets

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Store resolves named secrets.
type Store interface {
	Get(name string) (string, error)
}

// New selects a backend by name.
func New(backend, dir string) (Store, error) {
	switch backend {
	case "", "env":
		return EnvStore{}, nil
	case "file":
		if dir == "" {
			return nil, fmt.Errorf("file secrets backend requires a directory")
		}
		return FileStore{Dir: dir}, nil
	default:
		return nil, fmt.Errorf("unknown secrets backend %q", backend)
	}
}

// EnvStore reads secrets from environment variables.
type EnvStore struct{}

func (EnvStore) Get(name string) (string, error) {
	v := os.Getenv(name)
	if v == "" {
		return "", fmt.Errorf("secret %s not set", name)
	}
	return v, nil
}

// FileStore reads one secret per file from a directory, the layout
// Kubernetes secret volumes produce.
type FileStore struct {
	Dir string
}

func (s FileStore) Get(name string) (string, error) {
	if strings.ContainsAny(name, "/\\") {
		return "", fmt.Errorf("secret name %q must not contain path separators", name)
	}
	raw, err := os.ReadFile(filepath.Join(s.Dir, name))
	if err != nil {
		return "", fmt.Errorf("read secret %s: %w", name, err)
	}
	v := strings.TrimSpace(string(raw))
	if v == "" {
		return "", fmt.Errorf("secret %s is empty", name)
	}
	return v, nil
}
