package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

// EnvLoader loads environment variables from a .env file so every secret
// comes from a single source.
type EnvLoader struct {
	loaded bool
	path   string
}

// NewEnvLoader creates an environment loader.
func NewEnvLoader() *EnvLoader {
	return &EnvLoader{}
}

// Load loads the .env file found in the working directory or a parent.
// A missing .env is not an error; the process environment may already be
// populated (containers, systemd units).
func (e *EnvLoader) Load() error {
	if e.loaded {
		return nil
	}

	envPath, err := findEnvFile()
	if err != nil {
		e.loaded = true
		return nil
	}
	e.path = envPath

	if err := godotenv.Load(envPath); err != nil {
		return fmt.Errorf("load %s: %w", envPath, err)
	}

	e.loaded = true
	return nil
}

// GetPath returns the path of the loaded .env file, if any.
func (e *EnvLoader) GetPath() string {
	return e.path
}

func findEnvFile() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for {
		candidate := filepath.Join(dir, ".env")
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf(".env not found in %s or any parent", dir)
		}
		dir = parent
	}
}
