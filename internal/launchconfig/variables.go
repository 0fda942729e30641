package launchconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Variable pattern matches ${...} expressions
var variablePattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// ResolveVariables replaces the ${...} variables this tool understands in text.
// Unknown variables are left in place and reported through the returned error.
func ResolveVariables(text string, ctx *ResolutionContext) (string, error) {
	if ctx == nil {
		ctx = &ResolutionContext{}
	}

	var lastErr error
	result := variablePattern.ReplaceAllStringFunc(text, func(match string) string {
		expr := match[2 : len(match)-1]

		resolved, err := resolveVariable(expr, ctx)
		if err != nil {
			lastErr = err
			return match // Keep original if error
		}
		return resolved
	})

	return result, lastErr
}

func resolveVariable(expr string, ctx *ResolutionContext) (string, error) {
	switch {
	case expr == "workspaceFolder" || expr == "workspaceRoot":
		if ctx.WorkspaceFolder == "" {
			return "", fmt.Errorf("${%s} used but the workspace folder is unknown", expr)
		}
		return ctx.WorkspaceFolder, nil

	case expr == "workspaceFolderBasename":
		return filepath.Base(ctx.WorkspaceFolder), nil

	case expr == "userHome":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get user home: %w", err)
		}
		return home, nil

	case expr == "pathSeparator":
		return string(os.PathSeparator), nil

	case strings.HasPrefix(expr, "env:"):
		varName := strings.TrimPrefix(expr, "env:")
		if val, ok := ctx.EnvOverrides[varName]; ok {
			return val, nil
		}
		return os.Getenv(varName), nil

	default:
		return "", fmt.Errorf("unsupported variable: ${%s}", expr)
	}
}
