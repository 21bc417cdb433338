// Package catalog declares which datasets are synced, where they come from,
// and how they are keyed and historized.
package catalog

import (
	_ "embed"
	"os"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/kinhotel/pms-sync/internal/erp"
	"github.com/kinhotel/pms-sync/internal/flatten"
	"github.com/kinhotel/pms-sync/internal/history"
	"github.com/kinhotel/pms-sync/internal/window"
)

//go:embed default.yaml
var defaultCatalog []byte

// System is the upstream a dataset is read from.
type System string

const (
	PMS System = "pms"
	ERP System = "erp"
)

// Dataset is one catalog entry.
type Dataset struct {
	Name         string            `yaml:"name"`
	System       System            `yaml:"system"`
	Endpoint     string            `yaml:"endpoint"`
	Field        string            `yaml:"field"`
	Strategy     string            `yaml:"strategy"`
	LookbackDays int               `yaml:"lookback_days"`
	Paginated    bool              `yaml:"paginated"`
	Shared       bool              `yaml:"shared"`
	PageSize     int               `yaml:"page_size"`
	Params       map[string]string `yaml:"params"`
	Cadence      Cadence           `yaml:"cadence"`

	Flattener     string            `yaml:"flattener"`
	NaturalKey    []string          `yaml:"natural_key"`
	TrackedFields []string          `yaml:"tracked_fields"`
	Ignore        []string          `yaml:"ignore"`
	Types         map[string]string `yaml:"types"`

	ERPModel     string            `yaml:"erp_model"`
	ERPFields    []erp.Field       `yaml:"erp_fields"`
	ERPLinesPath string            `yaml:"erp_lines"`
	Rename       map[string]string `yaml:"rename"`
}

// Windowed reports whether extraction is bounded by a date window.
func (d Dataset) Windowed() bool { return d.Field != "" }

// SourceKey is the watermark key for the dataset.
func (d Dataset) SourceKey() string {
	if d.System == ERP {
		return window.SourceKey("erp/"+d.ERPModel, d.Field)
	}
	return window.SourceKey(d.Endpoint, d.Field)
}

// Lookback returns the rolling lookback, defaulting to def.
func (d Dataset) Lookback(def time.Duration) time.Duration {
	if d.LookbackDays > 0 {
		return time.Duration(d.LookbackDays) * 24 * time.Hour
	}
	return def
}

// WindowStrategy resolves the configured or field-derived strategy.
func (d Dataset) WindowStrategy() window.Strategy {
	s, _ := window.ParseStrategy(d.Strategy)
	if s == "" && !d.Windowed() {
		return window.Delta
	}
	if s == "" {
		return window.StrategyForField(d.Field)
	}
	return s
}

// ERPRowOptions returns how the dataset's CSV export becomes rows.
func (d Dataset) ERPRowOptions() erp.RowOptions {
	return erp.RowOptions{Fields: d.ERPFields, LinesPath: d.ERPLinesPath, Rename: d.Rename}
}

// Flatten returns the dataset's flattener.
func (d Dataset) Flatten() (flatten.Func, error) {
	return flatten.Lookup(d.Flattener)
}

// HistoryConfig builds the historization settings for the dataset.
func (d Dataset) HistoryConfig(loc *time.Location) (history.Config, error) {
	types := make(map[string]history.FieldType, len(d.Types))
	for field, name := range d.Types {
		t, err := history.ParseFieldType(name)
		if err != nil {
			return history.Config{}, eris.Wrapf(err, "catalog: dataset %s field %s", d.Name, field)
		}
		types[field] = t
	}
	return history.Config{
		Dataset:       d.Name,
		KeyFields:     d.NaturalKey,
		TrackedFields: d.TrackedFields,
		Ignore:        d.Ignore,
		Types:         types,
		Location:      loc,
	}, nil
}

func (d Dataset) validate() error {
	if d.Name == "" {
		return eris.New("catalog: dataset without name")
	}
	if len(d.NaturalKey) == 0 {
		return eris.Errorf("catalog: dataset %s has no natural_key", d.Name)
	}
	switch d.System {
	case PMS:
		if d.Endpoint == "" {
			return eris.Errorf("catalog: dataset %s has no endpoint", d.Name)
		}
	case ERP:
		if d.ERPModel == "" || len(d.ERPFields) == 0 {
			return eris.Errorf("catalog: dataset %s needs erp_model and erp_fields", d.Name)
		}
	default:
		return eris.Errorf("catalog: dataset %s has unknown system %q", d.Name, d.System)
	}
	if _, err := window.ParseStrategy(d.Strategy); err != nil {
		return eris.Wrapf(err, "catalog: dataset %s", d.Name)
	}
	if d.LookbackDays < 0 {
		return eris.Errorf("catalog: dataset %s has negative lookback_days", d.Name)
	}
	if _, err := d.Flatten(); err != nil {
		return eris.Wrapf(err, "catalog: dataset %s", d.Name)
	}
	if _, err := ParseCadence(string(d.Cadence)); err != nil {
		return eris.Wrapf(err, "catalog: dataset %s", d.Name)
	}
	if _, err := d.HistoryConfig(time.UTC); err != nil {
		return err
	}
	return nil
}

// Catalog is the set of datasets plus the branch map.
type Catalog struct {
	Branches map[int]string `yaml:"branches"`
	Datasets []Dataset      `yaml:"datasets"`

	index map[string]int
}

// Default returns the embedded catalog.
func Default() (*Catalog, error) {
	return Parse(defaultCatalog)
}

// Load reads the catalog at path, or the embedded one when path is empty.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default()
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "catalog: read %s", path)
	}
	return Parse(b)
}

// Parse decodes and validates a YAML catalog.
func Parse(b []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, eris.Wrap(err, "catalog: parse yaml")
	}
	c.index = make(map[string]int, len(c.Datasets))
	for i, d := range c.Datasets {
		if err := d.validate(); err != nil {
			return nil, err
		}
		if _, dup := c.index[d.Name]; dup {
			return nil, eris.Errorf("catalog: duplicate dataset %q", d.Name)
		}
		c.index[d.Name] = i
	}
	return &c, nil
}

// Get returns a dataset by name.
func (c *Catalog) Get(name string) (Dataset, error) {
	i, ok := c.index[name]
	if !ok {
		return Dataset{}, eris.Errorf("catalog: unknown dataset %q", name)
	}
	return c.Datasets[i], nil
}

// Select returns the named datasets in the order given, or all of them when
// names is empty.
func (c *Catalog) Select(names []string) ([]Dataset, error) {
	if len(names) == 0 {
		return c.All(), nil
	}
	out := make([]Dataset, 0, len(names))
	for _, n := range names {
		d, err := c.Get(n)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// All returns every dataset in catalog order.
func (c *Catalog) All() []Dataset {
	out := make([]Dataset, len(c.Datasets))
	copy(out, c.Datasets)
	return out
}

// Names returns dataset names in catalog order.
func (c *Catalog) Names() []string {
	out := make([]string, len(c.Datasets))
	for i, d := range c.Datasets {
		out[i] = d.Name
	}
	return out
}

// BranchIDs returns the configured branch ids ascending.
func (c *Catalog) BranchIDs() []int {
	ids := make([]int, 0, len(c.Branches))
	for id := range c.Branches {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Partitions returns the partitions a dataset is extracted for: 0 for shared
// and ERP datasets, otherwise the selected branches (all when only is empty).
func (c *Catalog) Partitions(d Dataset, only []int) ([]int, error) {
	if d.Shared || d.System == ERP {
		return []int{0}, nil
	}
	if len(only) == 0 {
		return c.BranchIDs(), nil
	}
	for _, id := range only {
		if _, ok := c.Branches[id]; !ok {
			return nil, eris.Errorf("catalog: unknown branch %d", id)
		}
	}
	return only, nil
}

// BranchName returns the display name of a partition.
func (c *Catalog) BranchName(id int) string {
	if id == 0 {
		return "shared"
	}
	if n, ok := c.Branches[id]; ok {
		return n
	}
	return "unknown"
}
