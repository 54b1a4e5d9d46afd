package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/lilphil/homeassistant-classcharts/examples"
)

// runInit writes an example config.yaml and .env into dir and creates
// the data directory. Existing files are never overwritten.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing classcharts workspace in %s\n", dir)

	dataDir := filepath.Join(dir, "data")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dataDir, err)
	}

	// Both files hold or reference credentials.
	for _, f := range []struct {
		name    string
		content []byte
	}{
		{"config.yaml", examples.ConfigYAML},
		{".env", examples.EnvFile},
	} {
		path := filepath.Join(dir, f.name)
		written, err := writeIfMissing(path, f.content, 0o600)
		if err != nil {
			return err
		}
		if written {
			fmt.Fprintf(w, "  ✓ %s\n", path)
		} else {
			fmt.Fprintf(w, "  - %s (exists, left unchanged)\n", path)
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Put your ClassCharts parent login in .env, then run: classcharts check")
	return nil
}

// writeIfMissing writes content to path only if the file does not
// already exist. It reports whether it wrote.
func writeIfMissing(path string, content []byte, perm os.FileMode) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	if err := os.WriteFile(path, content, perm); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}
