package benchmark

import (
	"fmt"
	"os"
	"path/filepath"

	"repair-bench/internal/logging"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// ExperimentItem is one bug of a benchmark. ID is its 1-based position in
// the benchmark list.
type ExperimentItem struct {
	ID       int            `yaml:"id" json:"id"`
	Subject  string         `yaml:"subject" json:"subject"`
	BugID    string         `yaml:"bug_id" json:"bug_id"`
	Metadata map[string]any `yaml:",inline" json:"-"`
}

// Benchmark is an ordered, stable list of experiment items.
type Benchmark interface {
	Name() string
	Experiments() []ExperimentItem
	Size() int
	// BugDir is the directory holding the build context of one item.
	BugDir(item ExperimentItem) string
	Clone() Benchmark
}

// Catalog is a Benchmark backed by a meta-data file in the benchmarks
// directory.
type Catalog struct {
	name  string
	dir   string
	items []ExperimentItem
}

var metaDataFiles = []string{"meta-data.yaml", "meta-data.yml", "meta-data.json"}

// Load reads <dir>/<name>/meta-data.{yaml,yml,json}.
func Load(dir, name string) (*Catalog, error) {
	logger := logging.GetLogger()
	benchDir := filepath.Join(dir, name)

	var (
		data []byte
		path string
		err  error
	)
	for _, f := range metaDataFiles {
		path = filepath.Join(benchDir, f)
		data, err = os.ReadFile(path)
		if err == nil {
			break
		}
	}
	if err != nil {
		logger.WithFields(logrus.Fields{
			"benchmark": name,
			"directory": benchDir,
		}).WithError(err).Error("Benchmark meta-data not found")
		return nil, fmt.Errorf("unknown benchmark %s: %w", name, err)
	}

	// JSON meta-data parses as YAML; numeric bug ids decode into strings.
	var items []ExperimentItem
	if err := yaml.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	return NewCatalog(name, benchDir, items)
}

// NewCatalog builds a catalog from items in benchmark order. Missing ids are
// assigned from the position; a declared id must equal it.
func NewCatalog(name, dir string, items []ExperimentItem) (*Catalog, error) {
	out := make([]ExperimentItem, len(items))
	for i, item := range items {
		switch item.ID {
		case 0:
			item.ID = i + 1
		case i + 1:
		default:
			return nil, fmt.Errorf("benchmark %s: item %d declares id %d, ids are 1-based positions", name, i+1, item.ID)
		}
		if item.Subject == "" || item.BugID == "" {
			return nil, fmt.Errorf("benchmark %s: item %d needs subject and bug_id", name, i+1)
		}
		item.Metadata = cloneMetadata(item.Metadata)
		out[i] = item
	}
	return &Catalog{name: name, dir: dir, items: out}, nil
}

func (c *Catalog) Name() string { return c.name }

func (c *Catalog) Dir() string { return c.dir }

func (c *Catalog) Size() int { return len(c.items) }

// Experiments returns a copy of the items in benchmark order.
func (c *Catalog) Experiments() []ExperimentItem {
	out := make([]ExperimentItem, len(c.items))
	for i, item := range c.items {
		out[i] = item.Clone()
	}
	return out
}

func (c *Catalog) BugDir(item ExperimentItem) string {
	return filepath.Join(c.dir, item.Subject, item.BugID)
}

func (c *Catalog) Clone() Benchmark {
	items := make([]ExperimentItem, len(c.items))
	for i, item := range c.items {
		items[i] = item.Clone()
	}
	return &Catalog{name: c.name, dir: c.dir, items: items}
}

func (e ExperimentItem) Clone() ExperimentItem {
	e.Metadata = cloneMetadata(e.Metadata)
	return e
}

func cloneMetadata(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	// Metadata is read-only for the engine; a shallow copy keeps siblings
	// from sharing the same map header.
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
