// Package stacks maps untrusted stack identifiers to validated compose
// project directories under the configured stacks root.
package stacks

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/example/deployer/internal/httperr"
)

// ManifestName is the compose file every stack directory must carry.
const ManifestName = "docker-compose.yml"

var nameRE = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Stack is a resolved deployable unit.
type Stack struct {
	Name string
	// Dir is the canonicalized stack directory; commands run with this as
	// their working directory.
	Dir string
	// Manifest is the absolute path of the compose file inside Dir.
	Manifest string
	// Env holds per-stack environment overrides (registry credentials).
	Env map[string]string
}

// Resolver validates identifiers and resolves them inside a fixed root.
type Resolver struct {
	root string
}

// NewResolver returns a Resolver rooted at root. The root's existence is
// checked again on every resolution; it can vanish after startup.
func NewResolver(root string) *Resolver {
	return &Resolver{root: root}
}

// ValidName reports whether name is an acceptable stack identifier.
func ValidName(name string) bool {
	return nameRE.MatchString(name)
}

// Resolve maps name to a Stack or fails with a typed request error. An
// identifier failing the pattern check never reaches the filesystem.
func (r *Resolver) Resolve(name string) (Stack, error) {
	if !ValidName(name) {
		return Stack{}, httperr.BadRequest("invalid stack name")
	}

	root, err := filepath.EvalSymlinks(r.root)
	if err != nil {
		return Stack{}, httperr.Internal("stacks root missing")
	}

	candidate := filepath.Join(root, name)
	dir, err := filepath.EvalSymlinks(candidate)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Stack{}, httperr.NotFound("stack not found")
		}
		return Stack{}, fmt.Errorf("resolve stack dir %s: %w", candidate, err)
	}
	if !contained(root, dir) {
		return Stack{}, httperr.BadRequest("invalid stack path")
	}
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return Stack{}, httperr.NotFound("stack not found")
	}

	manifest := filepath.Join(dir, ManifestName)
	if _, err := os.Stat(manifest); err != nil {
		return Stack{}, httperr.BadRequest(ManifestName + " missing")
	}

	env, err := dockerEnv(dir)
	if err != nil {
		return Stack{}, err
	}
	return Stack{Name: name, Dir: dir, Manifest: manifest, Env: env}, nil
}

// contained reports whether path is root itself or a strict descendant of it.
func contained(root, path string) bool {
	if path == root {
		return true
	}
	return strings.HasPrefix(path, root+string(filepath.Separator))
}
