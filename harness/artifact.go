package harness

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/wippyai/wasm-testharness/errors"
	"github.com/wippyai/wasm-testharness/target"
)

// ResolveArtifact maps the path handed to the harness onto the file the
// target's loader reads. Wasm targets are often given the JS glue file; the
// module then sits next to it or under deps/ with the same stem.
func ResolveArtifact(t target.Target, path string) (string, error) {
	if path == "" {
		return "", errors.InvalidInput(errors.PhaseConfig, "no artifact given")
	}
	if !t.IsWasm() || filepath.Ext(path) != ".js" {
		return path, nil
	}

	dir, base := filepath.Split(path)
	name := strings.TrimSuffix(base, ".js") + ".wasm"
	candidates := []string{
		filepath.Join(dir, name),
		filepath.Join(dir, "deps", name),
	}
	for _, c := range candidates {
		if info, err := os.Stat(c); err == nil && !info.IsDir() {
			return c, nil
		}
	}
	return "", errors.New(errors.PhaseConfig, errors.KindNotFound).
		Target(t.String()).
		Detail("no %s next to %s or under its deps directory", name, path).
		Build()
}
