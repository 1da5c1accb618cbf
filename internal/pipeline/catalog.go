// Package pipeline resolves CRM status identifiers to canonical stage names
// and holds the stage catalog loaded from configuration.
package pipeline

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"time"
	"unicode"

	"leadflow_backend/platform/validator"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"
)

//go:embed default_stages.yaml
var defaultCatalogYAML []byte

const (
	defaultEstimateMin = 24 * time.Hour
	defaultEstimateMax = 7 * 24 * time.Hour
	day                = 24 * time.Hour
)

// Estimate is the heuristic age range, in days, of a lead in a stage.
type Estimate struct {
	MinDays int `yaml:"min_days" validate:"gte=0"`
	MaxDays int `yaml:"max_days" validate:"gtefield=MinDays"`
}

// Stage is one catalog entry.
type Stage struct {
	Name     string    `yaml:"name" validate:"notblank"`
	Aliases  []string  `yaml:"aliases"`
	Slot     bool      `yaml:"slot"`
	Terminal bool      `yaml:"terminal"`
	Estimate *Estimate `yaml:"estimate"`
}

type catalogFile struct {
	DefaultStage string  `yaml:"default_stage" validate:"notblank"`
	Stages       []Stage `yaml:"stages" validate:"required,min=1,dive"`
}

// Catalog maps raw stage spellings to canonical names and knows which stages
// own a first-entered slot in the snapshot.
type Catalog struct {
	defaultStage string
	stages       map[string]Stage
	index        map[string]string
}

// Load reads the catalog from path, or the embedded default when path is empty.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Parse(defaultCatalogYAML)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read stage catalog: %w", err)
	}
	return Parse(data)
}

// Default returns the embedded catalog.
func Default() *Catalog {
	c, err := Parse(defaultCatalogYAML)
	if err != nil {
		panic("embedded stage catalog is invalid: " + err.Error())
	}
	return c
}

// Parse decodes and validates a YAML catalog.
func Parse(data []byte) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode stage catalog: %w", err)
	}
	if err := validator.New().Struct(file); err != nil {
		return nil, fmt.Errorf("validate stage catalog: %w", err)
	}

	c := &Catalog{
		stages: make(map[string]Stage, len(file.Stages)),
		index:  make(map[string]string),
	}
	for _, s := range file.Stages {
		name := collapseSpaces(s.Name)
		s.Name = name
		if _, dup := c.stages[name]; dup {
			return nil, fmt.Errorf("stage catalog: duplicate stage %q", name)
		}
		c.stages[name] = s

		for _, spelling := range append([]string{name}, s.Aliases...) {
			k := foldKey(spelling)
			if k == "" {
				continue
			}
			if owner, taken := c.index[k]; taken && owner != name {
				return nil, fmt.Errorf("stage catalog: spelling %q claimed by %q and %q", spelling, owner, name)
			}
			c.index[k] = name
		}
	}

	def, ok := c.Normalize(file.DefaultStage)
	if !ok {
		return nil, fmt.Errorf("stage catalog: default stage %q is not a catalog stage", file.DefaultStage)
	}
	c.defaultStage = def
	return c, nil
}

// WithDefaultStage overrides the fallback stage name. Unknown names are
// accepted verbatim.
func (c *Catalog) WithDefaultStage(name string) *Catalog {
	name = collapseSpaces(name)
	if name == "" {
		return c
	}
	clone := *c
	if canonical, ok := c.Normalize(name); ok {
		name = canonical
	}
	clone.defaultStage = name
	return &clone
}

// DefaultStage is the label used when a status cannot be resolved.
func (c *Catalog) DefaultStage() string { return c.defaultStage }

// Normalize maps a raw spelling to its canonical stage name. Spellings the
// catalog does not know come back whitespace-collapsed with ok=false.
func (c *Catalog) Normalize(raw string) (string, bool) {
	if name, ok := c.index[foldKey(raw)]; ok {
		return name, true
	}
	return collapseSpaces(raw), false
}

// HasSlot reports whether the stage keeps a first-entered timestamp.
func (c *Catalog) HasSlot(stage string) bool {
	s, ok := c.stages[stage]
	return ok && s.Slot && !s.Terminal
}

// IsTerminal reports whether the stage closes the lead.
func (c *Catalog) IsTerminal(stage string) bool {
	s, ok := c.stages[stage]
	return ok && s.Terminal
}

// EstimateRange is the heuristic age range for a lead found in stage.
// Stages without a configured range use 1 to 7 days.
func (c *Catalog) EstimateRange(stage string) (time.Duration, time.Duration) {
	s, ok := c.stages[stage]
	if !ok || s.Estimate == nil {
		return defaultEstimateMin, defaultEstimateMax
	}
	return time.Duration(s.Estimate.MinDays) * day, time.Duration(s.Estimate.MaxDays) * day
}

func foldKey(raw string) string {
	stripped, _, err := transform.String(transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC), raw)
	if err != nil {
		stripped = raw
	}
	var b strings.Builder
	for _, r := range strings.ToLower(stripped) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		} else {
			b.WriteRune(' ')
		}
	}
	return collapseSpaces(b.String())
}

func collapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
