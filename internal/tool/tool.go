package tool

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"repair-bench/internal/config"
	"repair-bench/internal/logging"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

var ErrToolMissing = errors.New("tool image not available")

// Tool is a repair (or analysis) tool as seen by the engine.
type Tool interface {
	Name() string
	// Image is the base image the tool ships in.
	Image() string
	// Command renders the command line for one run.
	Command(params string) []string
	CheckToolExists(ctx context.Context) error
	Clone() Tool
}

// ImageChecker reports whether an image reference is available to the
// container runtime, pulling it if the implementation chooses to.
type ImageChecker interface {
	EnsureImage(ctx context.Context, ref string) error
}

// Definition is a tool entry of the tools file.
type Definition struct {
	ToolName   string            `yaml:"name"`
	BaseImage  string            `yaml:"image"`
	Dockerfile string            `yaml:"dockerfile,omitempty"`
	Cmd        string            `yaml:"command"`
	Env        map[string]string `yaml:"env,omitempty"`
	TaskTypes  []string          `yaml:"task-types,omitempty"`

	checker ImageChecker
}

func (d *Definition) Name() string  { return d.ToolName }
func (d *Definition) Image() string { return d.BaseImage }

func (d *Definition) Command(params string) []string {
	args := strings.Fields(d.Cmd)
	return append(args, strings.Fields(params)...)
}

// BuildSteps are the Dockerfile instructions that install the tool on top of
// an experiment image.
func (d *Definition) BuildSteps() string { return d.Dockerfile }

func (d *Definition) Environment() map[string]string { return d.Env }

// Supports reports whether the tool can run tasks of the given type. An
// empty task-types list accepts every type.
func (d *Definition) Supports(t config.TaskType) bool {
	return len(d.TaskTypes) == 0 || slices.Contains(d.TaskTypes, string(t))
}

func (d *Definition) CheckToolExists(ctx context.Context) error {
	if d.BaseImage == "" {
		return fmt.Errorf("%w: tool %s declares no image", ErrToolMissing, d.ToolName)
	}
	if d.checker == nil {
		return nil
	}
	if err := d.checker.EnsureImage(ctx, d.BaseImage); err != nil {
		return fmt.Errorf("%w: tool %s image %s: %v", ErrToolMissing, d.ToolName, d.BaseImage, err)
	}
	return nil
}

func (d *Definition) Clone() Tool {
	out := *d
	if d.Env != nil {
		out.Env = make(map[string]string, len(d.Env))
		for k, v := range d.Env {
			out.Env[k] = v
		}
	}
	out.TaskTypes = slices.Clone(d.TaskTypes)
	return &out
}

// Registry holds the tool definitions of a tools file.
type Registry struct {
	defs    map[string]*Definition
	checker ImageChecker
}

func NewRegistry(defs []*Definition, checker ImageChecker) (*Registry, error) {
	r := &Registry{defs: make(map[string]*Definition, len(defs)), checker: checker}
	for _, d := range defs {
		key := strings.ToLower(d.ToolName)
		if key == "" {
			return nil, fmt.Errorf("tool definition without name")
		}
		if _, exists := r.defs[key]; exists {
			return nil, fmt.Errorf("duplicate tool %s", d.ToolName)
		}
		r.defs[key] = d
	}
	return r, nil
}

// LoadRegistry reads a YAML list of tool definitions.
func LoadRegistry(path string, checker ImageChecker) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		logging.GetLogger().WithField("filepath", path).WithError(err).Error("Failed to read tools file")
		return nil, err
	}
	var defs []*Definition
	if err := yaml.Unmarshal(data, &defs); err != nil {
		return nil, fmt.Errorf("failed to parse tools %s: %w", path, err)
	}
	return NewRegistry(defs, checker)
}

// Load resolves names to tools for the given task type. Every tool's image
// is checked before it is returned unless onlyAnalyse is set. Task type
// prepare needs no tools and always yields an empty list.
func (r *Registry) Load(ctx context.Context, names []string, taskType config.TaskType, onlyAnalyse bool) ([]Tool, error) {
	logger := logging.GetLogger()
	if taskType == config.TaskPrepare {
		return nil, nil
	}

	tools := make([]Tool, 0, len(names))
	for _, name := range names {
		def, ok := r.defs[strings.ToLower(name)]
		if !ok {
			return nil, &config.ConfigError{Kind: "tool", ID: name}
		}
		if !def.Supports(taskType) {
			return nil, &config.ConfigError{Kind: "tool", ID: name, Err: fmt.Errorf("does not support task type %s", taskType)}
		}
		t := def.Clone().(*Definition)
		t.checker = r.checker
		if !onlyAnalyse {
			if err := t.CheckToolExists(ctx); err != nil {
				logger.WithField("tool", name).WithError(err).Error("Tool check failed")
				return nil, err
			}
		}
		tools = append(tools, t)
	}

	logger.WithFields(logrus.Fields{
		"task_type": taskType,
		"tools":     names,
	}).Info("Tools loaded")
	return tools, nil
}
