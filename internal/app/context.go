// Package app resolves which dataset a command operates on.
package app

import (
	"os"
	"path/filepath"

	"scanline/internal/config"
)

const datasetEnv = "SCANLINE_DATASET"

// ResolveDataset picks the dataset root: an explicit override first,
// then $SCANLINE_DATASET, then the nearest ancestor of the working
// directory holding an initialized workspace. A bare working directory
// is returned as-is so sl init can bootstrap it.
func ResolveDataset(override string) (string, error) {
	if override != "" {
		return filepath.Abs(override)
	}
	if env := os.Getenv(datasetEnv); env != "" {
		return filepath.Abs(env)
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	if root, ok := findWorkspace(wd); ok {
		return root, nil
	}
	return wd, nil
}

func findWorkspace(dir string) (string, bool) {
	for {
		if _, err := os.Stat(config.Path(dir)); err == nil {
			return dir, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", false
		}
		dir = parent
	}
}

// ResolveConfig resolves the dataset root and loads its config.
func ResolveConfig(override string) (string, *config.Config, error) {
	root, err := ResolveDataset(override)
	if err != nil {
		return "", nil, err
	}
	cfg, err := config.Load(root)
	if err != nil {
		return root, nil, err
	}
	return root, cfg, nil
}
