// Package platform checks that the host can run the Edge diagnostics adapter.
//
// The adapter only ships for Windows 10 1903 (build 10.0.18362) and later and
// needs a Node.js runtime of at least major version 10. All checks read the
// host through HostInfo so they can be exercised on any OS.
package platform

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	"github.com/go-logr/logr"

	"github.com/ctagard/addin-debug/internal/errors"
	"github.com/ctagard/addin-debug/internal/telemetry"
	"github.com/ctagard/addin-debug/internal/version"
)

const (
	// SupportedPlatform is the only GOOS the adapter ships for.
	SupportedPlatform = "windows"
	// MinRuntimeMajor is the oldest Node.js major version the adapter runs on.
	MinRuntimeMajor = 10

	minOSBuild = 18362
)

// OSVersion is the (major, minor, build) triple of the host OS release.
type OSVersion struct {
	Major int
	Minor int
	Build int
}

func (v OSVersion) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Build)
}

// IsSupportedOSVersion reports whether the release is Windows 10 build 18362 or later.
// The comparison is per component: any major above 10 passes, 10.x with x>0 passes,
// and 10.0 needs build 18362 or higher.
func IsSupportedOSVersion(major, minor, build int) bool {
	if major > 10 {
		return true
	}
	if major == 10 {
		if minor > 0 {
			return true
		}
		if minor == 0 && build >= minOSBuild {
			return true
		}
	}
	return false
}

// HostInfo exposes the parts of the host the gate inspects.
type HostInfo struct {
	GOOS           string
	OSVersion      func() (OSVersion, error)
	RuntimeVersion func(ctx context.Context) (version.Semver, error)
	FileExists     func(path string) bool
}

// DefaultHostInfo reads the running host. nodePath is the Node.js binary whose
// version is checked.
func DefaultHostInfo(nodePath string) HostInfo {
	if nodePath == "" {
		nodePath = "node"
	}
	return HostInfo{
		GOOS:      runtime.GOOS,
		OSVersion: hostOSVersion,
		RuntimeVersion: func(ctx context.Context) (version.Semver, error) {
			return NodeVersion(ctx, nodePath)
		},
		FileExists: fileExists,
	}
}

// NodeVersion runs "<nodePath> --version" and parses the result.
func NodeVersion(ctx context.Context, nodePath string) (version.Semver, error) {
	//nolint:gosec // G204: the runtime path comes from configuration
	out, err := exec.CommandContext(ctx, nodePath, "--version").Output()
	if err != nil {
		return version.Semver{}, fmt.Errorf("failed to run %s --version: %w", nodePath, err)
	}
	return version.ParseSemver(string(out))
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// GateOptions tunes the requirements. Zero values select the defaults.
type GateOptions struct {
	Platform        string
	MinRuntimeMajor int
}

// Gate validates host prerequisites before an adapter launch.
type Gate struct {
	host            HostInfo
	platform        string
	minRuntimeMajor int
	reporter        telemetry.Reporter
	log             logr.Logger
}

// NewGate creates a gate. A nil reporter drops telemetry.
func NewGate(host HostInfo, opts GateOptions, reporter telemetry.Reporter, log logr.Logger) *Gate {
	if opts.Platform == "" {
		opts.Platform = SupportedPlatform
	}
	if opts.MinRuntimeMajor == 0 {
		opts.MinRuntimeMajor = MinRuntimeMajor
	}
	if reporter == nil {
		reporter = telemetry.Nop{}
	}
	return &Gate{
		host:            host,
		platform:        opts.Platform,
		minRuntimeMajor: opts.MinRuntimeMajor,
		reporter:        reporter,
		log:             log.WithName("gate"),
	}
}

// CheckPrerequisites verifies the adapter executable, the host OS and the
// Node.js runtime, in that order. Failures are reported to telemetry and
// returned as *errors.DebugError values; none of them are retryable.
func (g *Gate) CheckPrerequisites(ctx context.Context, executablePath string) error {
	err := g.check(ctx, executablePath)
	if err != nil {
		g.log.Error(err, "prerequisite check failed", "executable", executablePath)
		g.reporter.ReportException(ctx, "checkPrerequisites", err)
		return err
	}
	g.log.V(1).Info("prerequisites satisfied", "executable", executablePath)
	return nil
}

func (g *Gate) check(ctx context.Context, executablePath string) error {
	hostErr := g.checkHost()

	if executablePath == "" || !g.host.FileExists(executablePath) {
		// On an unsupported host the adapter can never be there, so say why.
		if hostErr != nil {
			return hostErr
		}
		return errors.ExecutableMissing(executablePath)
	}
	if hostErr != nil {
		return hostErr
	}

	return g.checkRuntime(ctx)
}

// checkHost verifies platform and OS version.
func (g *Gate) checkHost() error {
	if g.host.GOOS != g.platform {
		return errors.UnsupportedPlatform(g.host.GOOS, g.platform)
	}

	v, err := g.host.OSVersion()
	if err != nil {
		return errors.UnsupportedOSVersion("unknown").WithCause(err)
	}
	if !IsSupportedOSVersion(v.Major, v.Minor, v.Build) {
		return errors.UnsupportedOSVersion(v.String())
	}
	return nil
}

func (g *Gate) checkRuntime(ctx context.Context) error {
	v, err := g.host.RuntimeVersion(ctx)
	if err != nil {
		return errors.UnsupportedHostRuntime(0, g.minRuntimeMajor).WithCause(err)
	}
	if v.Major < g.minRuntimeMajor {
		return errors.UnsupportedHostRuntime(v.Major, g.minRuntimeMajor)
	}
	return nil
}

// DefaultAdapterPath returns where the bundled adapter lives for this host,
// or "" when no adapter ships for it.
func DefaultAdapterPath() string {
	exe, err := os.Executable()
	if err != nil {
		return ""
	}
	return AdapterPathFor(runtime.GOOS, runtime.GOARCH, filepath.Dir(exe))
}

// AdapterPathFor computes the bundled adapter path under baseDir. Only 64-bit
// Windows builds of the adapter exist.
func AdapterPathFor(goos, goarch, baseDir string) string {
	if goos != "windows" {
		return ""
	}
	switch goarch {
	case "amd64", "arm64":
		return filepath.Join(baseDir, "node_modules", "debug-adapter-for-office-addins", "out", "lib", "Networkproxy.exe")
	default:
		return ""
	}
}
