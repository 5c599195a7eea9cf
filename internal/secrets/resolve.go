package secrets

import (
	"context"
	"regexp"

	"github.com/fabula-ai/fabula/pkg/schema"
)

var secretRefPattern = regexp.MustCompile(`\$\{\{\s*secrets\.([A-Za-z0-9_]+)\s*\}\}`)

// ResolveEnv expands ${{secrets.KEY}} references in KEY=VALUE environment
// entries. Entries without references pass through unchanged; a reference
// to a missing secret fails the whole resolution, since launching an agent
// with a half-resolved environment is worse than not launching it.
func ResolveEnv(ctx context.Context, vault Vault, env []string) ([]string, error) {
	if len(env) == 0 {
		return env, nil
	}

	resolved := make([]string, 0, len(env))
	for _, entry := range env {
		var resolveErr error
		expanded := secretRefPattern.ReplaceAllStringFunc(entry, func(match string) string {
			key := secretRefPattern.FindStringSubmatch(match)[1]
			value, err := vault.Resolve(ctx, key)
			if err != nil {
				resolveErr = schema.NewErrorf(schema.ErrCodeVault,
					"resolve secret %s", key).WithCause(err)
				return match
			}
			return value
		})
		if resolveErr != nil {
			return nil, resolveErr
		}
		resolved = append(resolved, expanded)
	}
	return resolved, nil
}
