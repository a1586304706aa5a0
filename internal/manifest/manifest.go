// Package manifest inspects compose manifests without executing anything:
// placeholder variable extraction for secret resolution, and service listing
// for the stack inspection endpoint.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"github.com/compose-spec/compose-go/v2/loader"
	composetypes "github.com/compose-spec/compose-go/v2/types"
	"go.uber.org/zap"
)

// varRE finds ${VAR_NAME} and $VAR_NAME references. Variable names follow the
// compose convention of uppercase with underscores.
var varRE = regexp.MustCompile(`\$\{([A-Z_][A-Z0-9_]*)\}|\$([A-Z_][A-Z0-9_]*)`)

// ExtractVars returns the sorted set of placeholder variable names referenced
// by the compose file at path. Extraction is best-effort text scanning: an
// unreadable file logs an error and yields an empty set.
func ExtractVars(path string, log *zap.Logger) []string {
	content, err := os.ReadFile(path)
	if err != nil {
		log.Error("manifest_read_failed", zap.String("path", path), zap.Error(err))
		return nil
	}
	seen := make(map[string]struct{})
	for _, match := range varRE.FindAllStringSubmatch(string(content), -1) {
		for _, name := range match[1:] {
			if name != "" {
				seen[name] = struct{}{}
			}
		}
	}
	vars := make([]string, 0, len(seen))
	for name := range seen {
		vars = append(vars, name)
	}
	sort.Strings(vars)
	return vars
}

// Services loads the manifest with the compose loader and returns the
// declared service names. Placeholder variables resolve against env so a
// manifest referencing unset variables still loads.
func Services(path string, env map[string]string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read compose file %s: %w", path, err)
	}
	environment := make(composetypes.Mapping, len(env))
	for k, v := range env {
		environment[k] = v
	}
	details := composetypes.ConfigDetails{
		WorkingDir:  filepath.Dir(path),
		ConfigFiles: []composetypes.ConfigFile{{Filename: path, Content: data}},
		Environment: environment,
	}
	project, err := loader.Load(details, func(o *loader.Options) {
		o.SetProjectName(filepath.Base(filepath.Dir(path)), true)
		o.SkipValidation = true
		o.SkipConsistencyCheck = true
	})
	if err != nil {
		return nil, err
	}
	names := project.ServiceNames()
	sort.Strings(names)
	return names, nil
}
