// Package python detects the active Python host environment: its
// interpreter location, compatibility tags, and the variable mapping
// used to evaluate PEP 508 markers.
package python

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/bilusteknoloji/ppm/internal/marker"
)

// pythonScript is the single Python command that collects all environment info.
const pythonScript = `import os, platform, sys, site, sysconfig
print(sys.prefix)
print(site.getsitepackages()[0])
print(sysconfig.get_platform().replace('-', '_').replace('.', '_'))
print(f'{sys.version_info.major}{sys.version_info.minor}')
print(sys.executable)
print(sys.implementation.name)
print(os.name)
print(platform.system())
print(platform.machine())
print(sys.platform)
print(platform.python_version())`

// expectedOutputLines is the number of lines expected from pythonScript.
const expectedOutputLines = 11

// Detector defines the interface for detecting a Python environment.
type Detector interface {
	Detect(ctx context.Context) (*Environment, error)
}

// Environment represents a detected Python environment, including the
// variables and compatibility tag needed to rank wheels and evaluate
// markers against the host.
type Environment struct {
	PythonPath    string // path to the python binary
	Prefix        string // sys.prefix
	SitePackages  string // site-packages directory
	PlatformTag   string // e.g., "macosx_14_0_arm64"
	PythonVersion string // e.g., "312"
	IsVirtualEnv  bool

	ImplementationName string // sys.implementation.name, e.g. "cpython"
	OSName             string // os.name, e.g. "posix"
	PlatformSystem     string // platform.system(), e.g. "Linux"
	PlatformMachine    string // platform.machine(), e.g. "x86_64"
	SysPlatform        string // sys.platform, e.g. "linux"
	PythonFullVersion  string // platform.python_version(), e.g. "3.12.1"
}

// CommandRunner executes a command and returns its combined output.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

// EnvLookup looks up an environment variable.
type EnvLookup func(string) string

// Option configures a Service.
type Option func(*Service)

// WithPythonBin sets the python binary path.
// Defaults to "python3".
func WithPythonBin(bin string) Option {
	return func(s *Service) {
		if bin != "" {
			s.pythonBin = bin
		}
	}
}

// WithCommandRunner sets the command runner for executing external processes.
// Defaults to exec.CommandContext.
func WithCommandRunner(fn CommandRunner) Option {
	return func(s *Service) {
		if fn != nil {
			s.runCmd = fn
		}
	}
}

// WithEnvLookup sets the function used to read environment variables.
// Defaults to os.Getenv.
func WithEnvLookup(fn EnvLookup) Option {
	return func(s *Service) {
		if fn != nil {
			s.getenv = fn
		}
	}
}

// Service detects the active Python environment by inspecting
// environment variables and running the python binary.
type Service struct {
	pythonBin string
	runCmd    CommandRunner
	getenv    EnvLookup
}

// compile-time proof that Service implements Detector.
var _ Detector = (*Service)(nil)

// New creates a new Python environment detector.
func New(opts ...Option) *Service {
	s := &Service{
		pythonBin: "python3",
		runCmd:    defaultRunCmd,
		getenv:    os.Getenv,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Detect detects the active Python environment: the VIRTUAL_ENV env var
// plus the values reported by running the python binary.
func (s *Service) Detect(ctx context.Context) (*Environment, error) {
	env := &Environment{}

	if venv := s.getenv("VIRTUAL_ENV"); venv != "" {
		env.IsVirtualEnv = true
	}

	output, err := s.runCmd(ctx, s.pythonBin, "-c", pythonScript)
	if err != nil {
		return nil, fmt.Errorf("running %s: %w", s.pythonBin, err)
	}

	lines := strings.Split(strings.TrimSpace(string(output)), "\n")
	if len(lines) != expectedOutputLines {
		return nil, fmt.Errorf("unexpected output from %s: expected %d lines, got %d",
			s.pythonBin, expectedOutputLines, len(lines))
	}

	for i := range lines {
		lines[i] = strings.TrimSpace(lines[i])
	}

	env.Prefix = lines[0]
	env.SitePackages = lines[1]
	env.PlatformTag = lines[2]
	env.PythonVersion = lines[3]
	env.PythonPath = lines[4]
	env.ImplementationName = lines[5]
	env.OSName = lines[6]
	env.PlatformSystem = lines[7]
	env.PlatformMachine = lines[8]
	env.SysPlatform = lines[9]
	env.PythonFullVersion = lines[10]

	return env, nil
}

// MarkerEnv builds the PEP 508 marker evaluation mapping for this
// environment. Extra is left empty; callers evaluating a requirement
// for a specific extra should copy the result and set it.
func (e *Environment) MarkerEnv() marker.Env {
	return marker.Env{
		ImplementationName:    e.ImplementationName,
		ImplementationVersion: e.PythonFullVersion,
		OSName:                e.OSName,
		PlatformMachine:       e.PlatformMachine,
		PlatformSystem:        e.PlatformSystem,
		PythonVersion:         e.PythonVersion[:1] + "." + e.PythonVersion[1:],
		PythonFullVersion:     e.PythonFullVersion,
		SysPlatform:           e.SysPlatform,
	}
}

// CompatTag is a PEP 425 compatibility tag triple.
type CompatTag struct {
	Interpreter string
	ABI         string
	Platform    string
}

// CompatTags returns the host's ordered, best-first list of compatibility
// tags a wheel may declare support for. The ranking follows the standard
// precedence: the exact interpreter ABI first, then the stable ABI3,
// then interpreter-agnostic tags, each against the detected platform and
// finally against "any".
func (e *Environment) CompatTags() []CompatTag {
	impl := "cp"
	if e.ImplementationName != "" && e.ImplementationName != "cpython" {
		impl = shortImplementation(e.ImplementationName)
	}

	cpTag := impl + e.PythonVersion
	platform := e.PlatformTag

	var tags []CompatTag

	tags = append(tags,
		CompatTag{cpTag, cpTag, platform},
		CompatTag{cpTag, "abi3", platform},
		CompatTag{cpTag, "none", platform},
		CompatTag{"py" + e.PythonVersion, "none", platform},
		CompatTag{"py3", "none", platform},
		CompatTag{cpTag, "none", "any"},
		CompatTag{"py" + e.PythonVersion, "none", "any"},
		CompatTag{"py3", "none", "any"},
	)

	return tags
}

func shortImplementation(name string) string {
	switch name {
	case "pypy":
		return "pp"
	case "ironpython":
		return "ip"
	case "jython":
		return "jy"
	default:
		return "cp"
	}
}

// defaultRunCmd executes a command using exec.CommandContext.
func defaultRunCmd(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}
