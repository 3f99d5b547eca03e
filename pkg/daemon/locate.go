package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/modoterra/sractl/pkg/config"
	"github.com/modoterra/sractl/pkg/core"
)

// devRootRel is where a development checkout keeps the worker relative to the
// directory of the running binary.
var devRootRel = filepath.Join("..", "..", "..", "StarRailAssistant")

// Locate finds the worker executable. The development tree is searched before
// the directory holding the running binary.
func Locate(cfg config.Worker, exeDir string) (string, error) {
	devRoot := cfg.DevRoot
	if devRoot == "" {
		devRoot = filepath.Join(exeDir, devRootRel)
	}

	candidates := []string{
		filepath.Join(devRoot, cfg.Executable),
		filepath.Join(exeDir, cfg.Executable),
	}
	for _, c := range candidates {
		if fi, err := os.Stat(c); err == nil && !fi.IsDir() {
			return filepath.Clean(c), nil
		}
	}
	return "", fmt.Errorf("worker executable %s not found (searched %s): %w",
		cfg.Executable, strings.Join(candidates, ", "), core.ErrNotFound)
}

// executableDir returns the directory of the running binary.
func executableDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "."
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}
	return filepath.Dir(exe)
}
