package profile

import (
	"fmt"
	"os"
	"time"

	"repair-bench/internal/logging"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// TaskProfile describes how a tool is run. Unknown keys of the profile file
// are kept in Attributes.
type TaskProfile struct {
	ID      string        `yaml:"id" json:"id"`
	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	// Per-task overrides, attached to copies only.
	ToolParams string `yaml:"-" json:"tool_params,omitempty"`
	ToolTag    string `yaml:"-" json:"tool_tag,omitempty"`

	Attributes map[string]any `yaml:",inline" json:"attributes,omitempty"`
}

// ContainerProfile describes the environment a run executes in.
type ContainerProfile struct {
	ID            string   `yaml:"id" json:"id"`
	CPUCount      *int     `yaml:"cpu-count,omitempty" json:"cpu_count,omitempty"`
	MemLimit      string   `yaml:"mem-limit,omitempty" json:"mem_limit,omitempty"`
	EnableNetwork bool     `yaml:"enable-network,omitempty" json:"enable_network,omitempty"`
	Ports         []string `yaml:"ports,omitempty" json:"ports,omitempty"`
	RDTClass      string   `yaml:"rdt-class,omitempty" json:"rdt_class,omitempty"`
	Perf          bool     `yaml:"perf,omitempty" json:"perf,omitempty"`

	Attributes map[string]any `yaml:",inline" json:"attributes,omitempty"`
}

// Profile is implemented by both profile kinds.
type Profile interface {
	ProfileID() string
}

func (p *TaskProfile) ProfileID() string      { return p.ID }
func (p *ContainerProfile) ProfileID() string { return p.ID }

// Clone returns a deep copy; the template is never modified through it.
func (p *TaskProfile) Clone() *TaskProfile {
	if p == nil {
		return nil
	}
	out := *p
	out.Attributes = cloneMap(p.Attributes)
	return &out
}

func (p *ContainerProfile) Clone() *ContainerProfile {
	if p == nil {
		return nil
	}
	out := *p
	if p.CPUCount != nil {
		n := *p.CPUCount
		out.CPUCount = &n
	}
	if p.Ports != nil {
		out.Ports = append([]string(nil), p.Ports...)
	}
	out.Attributes = cloneMap(p.Attributes)
	return &out
}

// Load reads a YAML (or JSON) list of profiles and keys them by id.
func Load[P Profile](path string) (map[string]P, error) {
	logger := logging.GetLogger()

	data, err := os.ReadFile(path)
	if err != nil {
		logger.WithField("filepath", path).WithError(err).Error("Failed to read profile file")
		return nil, err
	}

	var list []P
	if err := yaml.Unmarshal(data, &list); err != nil {
		logger.WithField("filepath", path).WithError(err).Error("Failed to parse profile file")
		return nil, fmt.Errorf("failed to parse profiles %s: %w", path, err)
	}

	profiles := make(map[string]P, len(list))
	for i, p := range list {
		id := p.ProfileID()
		if id == "" {
			return nil, fmt.Errorf("profile %d in %s has no id", i, path)
		}
		if _, exists := profiles[id]; exists {
			return nil, fmt.Errorf("duplicate profile id %s in %s", id, path)
		}
		profiles[id] = p
	}

	logger.WithFields(logrus.Fields{
		"filepath": path,
		"profiles": len(profiles),
	}).Debug("Loaded profiles")
	return profiles, nil
}

func LoadTaskProfiles(path string) (map[string]*TaskProfile, error) {
	return Load[*TaskProfile](path)
}

func LoadContainerProfiles(path string) (map[string]*ContainerProfile, error) {
	return Load[*ContainerProfile](path)
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}
