package launchconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tailscale/hujson"

	"github.com/ctagard/addin-debug/internal/errors"
	"github.com/ctagard/addin-debug/pkg/types"
)

const (
	// LaunchJSONFileName is the standard name for VS Code launch configuration file.
	LaunchJSONFileName = "launch.json"
	// VSCodeDirName is the VS Code configuration directory name.
	VSCodeDirName = ".vscode"
)

// LoadFromPath loads a launch.json file from an explicit path. Comments and
// trailing commas are accepted, as VS Code does.
func LoadFromPath(path string) (*LaunchJSON, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read launch.json: %w", err)
	}
	return Parse(data)
}

// Parse decodes launch.json content. data is rewritten in place.
func Parse(data []byte) (*LaunchJSON, error) {
	std, err := hujson.Standardize(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse launch.json: %w", err)
	}
	var lj LaunchJSON
	if err := json.Unmarshal(std, &lj); err != nil {
		return nil, fmt.Errorf("failed to parse launch.json: %w", err)
	}
	return &lj, nil
}

// Discover searches for a .vscode/launch.json file starting from the given path
// and walking up the directory tree until found or reaching the root.
func Discover(startPath string) (string, error) {
	if startPath == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("failed to get current directory: %w", err)
		}
		startPath = cwd
	}

	absPath, err := filepath.Abs(startPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve absolute path: %w", err)
	}

	// If startPath is a file, start from its directory
	info, err := os.Stat(absPath)
	if err != nil {
		return "", fmt.Errorf("failed to stat path: %w", err)
	}
	if !info.IsDir() {
		absPath = filepath.Dir(absPath)
	}

	current := absPath
	for {
		launchPath := filepath.Join(current, VSCodeDirName, LaunchJSONFileName)
		if _, err := os.Stat(launchPath); err == nil {
			return launchPath, nil
		}

		parent := filepath.Dir(current)
		if parent == current {
			break
		}
		current = parent
	}

	return "", fmt.Errorf("no %s/%s found in %s or parent directories", VSCodeDirName, LaunchJSONFileName, startPath)
}

// LoadAndDiscover finds a launch.json from the start path and loads it.
func LoadAndDiscover(startPath string) (*LaunchJSON, string, error) {
	path, err := Discover(startPath)
	if err != nil {
		return nil, "", err
	}

	lj, err := LoadFromPath(path)
	if err != nil {
		return nil, "", err
	}

	return lj, path, nil
}

// FindConfiguration finds a configuration by name in the LaunchJSON.
func FindConfiguration(lj *LaunchJSON, name string) (*DebugConfiguration, error) {
	for i := range lj.Configurations {
		if lj.Configurations[i].Name == name {
			return &lj.Configurations[i], nil
		}
	}
	return nil, errors.ConfigNotFound(name, ListConfigurationNames(lj))
}

// ListConfigurationNames returns the names of the add-in configurations.
func ListConfigurationNames(lj *LaunchJSON) []string {
	var names []string
	for _, cfg := range lj.Configurations {
		if cfg.IsAddinConfiguration() {
			names = append(names, cfg.Name)
		}
	}
	return names
}

// GetWorkspaceFolder derives the workspace folder from the launch.json path.
// The workspace folder is the parent of the .vscode directory.
func GetWorkspaceFolder(launchJSONPath string) string {
	return filepath.Dir(filepath.Dir(launchJSONPath))
}

// ValidateConfiguration performs basic validation on a configuration.
func ValidateConfiguration(cfg *DebugConfiguration) error {
	if cfg.Name == "" {
		return fmt.Errorf("configuration name is required")
	}
	if !cfg.IsAddinConfiguration() {
		return fmt.Errorf("configuration type must be %q, got %q", DebugType, cfg.Type)
	}
	if !cfg.IsLaunchRequest() && !cfg.IsAttachRequest() {
		return fmt.Errorf("configuration request must be 'launch' or 'attach', got %q", cfg.Request)
	}
	return nil
}

// ToLaunchConfiguration converts an add-in configuration into launch inputs.
// ${workspaceFolder} is expanded in webRoot and runtimeExecutable only;
// override entries are handed on untouched.
func (c *DebugConfiguration) ToLaunchConfiguration(workspaceFolder string) (types.LaunchConfiguration, error) {
	if err := ValidateConfiguration(c); err != nil {
		return types.LaunchConfiguration{}, errors.ConfigInvalid(c.Name, err.Error())
	}

	ctx := &ResolutionContext{WorkspaceFolder: workspaceFolder}
	webRoot, err := ResolveVariables(c.WebRoot, ctx)
	if err != nil {
		return types.LaunchConfiguration{}, errors.ConfigInvalid(c.Name, fmt.Sprintf("webRoot: %v", err))
	}
	runtimeExecutable, err := ResolveVariables(c.RuntimeExecutable, ctx)
	if err != nil {
		return types.LaunchConfiguration{}, errors.ConfigInvalid(c.Name, fmt.Sprintf("runtimeExecutable: %v", err))
	}

	return types.LaunchConfiguration{
		Name:                   c.Name,
		Request:                c.Request,
		RuntimeExecutable:      runtimeExecutable,
		Port:                   c.Port,
		URL:                    c.URL,
		WebRoot:                webRoot,
		SourceMapPathOverrides: c.SourceMapPathOverrides,
		Trace:                  string(c.Trace),
	}, nil
}
