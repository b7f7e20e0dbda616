// Package registry implements the Agent Registry (§4.1): the process-wide,
// immutable-after-load catalogue of which agents this daemon knows how to
// drive, what they can do, and how to find their credentials.
package registry

import (
	"embed"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/sandboxagent/agentd/internal/schema"
	"github.com/sandboxagent/agentd/pkg/agent"
)

//go:embed agents.yaml
var embeddedCatalogue embed.FS

// Capabilities is the bitmap-shaped capability set of §4.1.
type Capabilities struct {
	Images              bool `yaml:"images" json:"images"`
	MCPTools            bool `yaml:"mcpTools" json:"mcpTools"`
	ModelLockAfterStart bool `yaml:"modelLockAfterStart" json:"modelLockAfterStart"`
}

// Models describes the model choices a driver may report/accept.
type Models struct {
	Default   string   `yaml:"default" json:"default"`
	Available []string `yaml:"available" json:"available"`
}

// AgentSpec is one catalogue entry (§3 AgentKind + its static metadata).
type AgentSpec struct {
	ID                    schema.AgentKind      `yaml:"id" json:"id"`
	Name                  string                `yaml:"name" json:"name"`
	Protocol              agent.Protocol        `yaml:"protocol" json:"protocol"`
	Executable            string                `yaml:"executable" json:"executable"`
	InstallDocs           string                `yaml:"installDocs" json:"installDocs,omitempty"`
	CredentialEnv         []string              `yaml:"credentialEnv" json:"credentialEnv,omitempty"`
	Capabilities          Capabilities          `yaml:"capabilities" json:"capabilities"`
	Modes                 []string              `yaml:"modes" json:"modes"`
	DefaultPermissionMode schema.PermissionMode `yaml:"defaultPermissionMode" json:"defaultPermissionMode"`
	Models                Models                `yaml:"models" json:"models"`
}

// SupportsMode reports whether mode is one of this agent's registered modes.
func (a AgentSpec) SupportsMode(mode string) bool {
	for _, m := range a.Modes {
		if m == mode {
			return true
		}
	}
	return false
}

type catalogueFile struct {
	Version string      `yaml:"version"`
	Agents  []AgentSpec `yaml:"agents"`
}

// Registry is the process-wide Agent Registry. It is read-only after Load,
// per §3's ownership paragraph ("AgentKinds process-wide immutable").
type Registry struct {
	mu     sync.RWMutex
	agents map[schema.AgentKind]AgentSpec
}

// New loads the registry from the embedded catalogue. If overridePath is
// non-empty, it is read instead (Registry.CataloguePath in config).
func New(overridePath string) (*Registry, error) {
	var data []byte
	var err error
	if overridePath != "" {
		data, err = os.ReadFile(overridePath)
		if err != nil {
			return nil, fmt.Errorf("reading agent catalogue %s: %w", overridePath, err)
		}
	} else {
		data, err = embeddedCatalogue.ReadFile("agents.yaml")
		if err != nil {
			return nil, fmt.Errorf("reading embedded agent catalogue: %w", err)
		}
	}

	var file catalogueFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing agent catalogue: %w", err)
	}

	agents := make(map[schema.AgentKind]AgentSpec, len(file.Agents))
	for _, spec := range file.Agents {
		agents[spec.ID] = spec
	}

	return &Registry{agents: agents}, nil
}

// List returns every registered AgentSpec (§4.1 "list").
func (r *Registry) List() []AgentSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]AgentSpec, 0, len(r.agents))
	for _, spec := range r.agents {
		result = append(result, spec)
	}
	return result
}

// Get returns the AgentSpec for kind, or an UnsupportedAgent AgentError.
func (r *Registry) Get(kind schema.AgentKind) (AgentSpec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	spec, ok := r.agents[kind]
	if !ok {
		return AgentSpec{}, schema.NewAgentError(schema.ErrorUnsupportedAgent,
			fmt.Sprintf("agent kind %q is not registered", kind))
	}
	return spec, nil
}

// Capabilities returns the capability bitmap for kind (§4.1 "capabilities").
func (r *Registry) Capabilities(kind schema.AgentKind) (Capabilities, error) {
	spec, err := r.Get(kind)
	if err != nil {
		return Capabilities{}, err
	}
	return spec.Capabilities, nil
}

// Modes returns the set of agent modes kind supports (§4.1 "modes").
func (r *Registry) Modes(kind schema.AgentKind) ([]string, error) {
	spec, err := r.Get(kind)
	if err != nil {
		return nil, err
	}
	return spec.Modes, nil
}

// NormalizeMode validates a requested agent mode against kind's registered
// modes, falling back to its default when mode is empty (§4.1
// "normalize_mode").
func (r *Registry) NormalizeMode(kind schema.AgentKind, mode string) (string, error) {
	spec, err := r.Get(kind)
	if err != nil {
		return "", err
	}
	if mode == "" {
		if len(spec.Modes) == 0 {
			return "", schema.NewAgentError(schema.ErrorModeNotSupported,
				fmt.Sprintf("agent %q declares no supported modes", kind))
		}
		return spec.Modes[0], nil
	}
	if !spec.SupportsMode(mode) {
		return "", schema.NewAgentError(schema.ErrorModeNotSupported,
			fmt.Sprintf("agent %q does not support mode %q", kind, mode)).
			WithContext("supportedModes", spec.Modes)
	}
	return mode, nil
}

// NormalizePermissionMode validates a requested permission mode, falling
// back to kind's default when empty (§4.1 "normalize_permission_mode").
func (r *Registry) NormalizePermissionMode(kind schema.AgentKind, mode schema.PermissionMode) (schema.PermissionMode, error) {
	spec, err := r.Get(kind)
	if err != nil {
		return "", err
	}
	if mode == "" {
		return spec.DefaultPermissionMode, nil
	}
	switch mode {
	case schema.PermissionModeDefault, schema.PermissionModePlan, schema.PermissionModeBypass:
		return mode, nil
	default:
		return "", schema.NewAgentError(schema.ErrorModeNotSupported,
			fmt.Sprintf("unknown permission mode %q", mode))
	}
}

// CredentialEnv returns the environment variables kind needs for
// credentials, resolved from the current process environment (§4.1
// "credential_env", §6 Environment section). Unset or empty variables are omitted,
// not errored — AgentNotInstalled/InstallFailed surface missing
// credentials at spawn time instead.
func (r *Registry) CredentialEnv(kind schema.AgentKind) (map[string]string, error) {
	spec, err := r.Get(kind)
	if err != nil {
		return nil, err
	}
	env := make(map[string]string, len(spec.CredentialEnv))
	for _, key := range spec.CredentialEnv {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			env[key] = v
		}
	}
	return env, nil
}

// CheckInstall probes whether kind's executable is present on PATH,
// executable, and version-queryable (§9 "install is
// {present, executable, version-queryable}").
func (r *Registry) CheckInstall(kind schema.AgentKind) (schema.AgentInstall, error) {
	spec, err := r.Get(kind)
	if err != nil {
		return schema.AgentInstall{}, err
	}

	path, err := exec.LookPath(spec.Executable)
	if err != nil {
		return schema.AgentInstall{Present: false}, nil
	}

	out, err := exec.Command(path, "--version").Output()
	version := ""
	if err == nil {
		version = strings.TrimSpace(string(out))
	}

	return schema.AgentInstall{
		Present:        true,
		ExecutablePath: path,
		Version:        version,
	}, nil
}
