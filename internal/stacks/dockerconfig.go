package stacks

import (
	"bytes"
	"os"
	"path/filepath"

	"github.com/docker/cli/cli/config/configfile"

	"github.com/example/deployer/internal/httperr"
)

// dockerEnv returns the DOCKER_CONFIG override for a stack carrying its own
// registry credentials under <dir>/.docker/config.json. A stack without one
// inherits the process-level docker config.
func dockerEnv(dir string) (map[string]string, error) {
	cfgDir := filepath.Join(dir, ".docker")
	cfgPath := filepath.Join(cfgDir, "config.json")
	data, err := os.ReadFile(cfgPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, httperr.BadRequest("unreadable docker config")
	}
	cfg := configfile.New(cfgPath)
	if len(data) > 0 {
		if err := cfg.LoadFromReader(bytes.NewReader(data)); err != nil {
			return nil, httperr.BadRequest("invalid docker config")
		}
	}
	return map[string]string{"DOCKER_CONFIG": cfgDir}, nil
}
