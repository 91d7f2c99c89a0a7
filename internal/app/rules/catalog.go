// Package rules holds the catalog of rule categories a CUSTOM scan may
// select. The catalog ships embedded and can be replaced by a YAML file.
package rules

import (
	_ "embed"
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

//go:embed default_rules.yaml
var defaultRules []byte

// Category is one selectable group of detection rules.
type Category struct {
	ID          string `yaml:"id" json:"id"`
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description" json:"description"`
}

// Catalog is the immutable set of rule categories and supported languages.
type Catalog struct {
	categories []Category
	languages  []string
	index      map[string]struct{}
}

type catalogFile struct {
	Categories         []Category `yaml:"categories"`
	SupportedLanguages []string   `yaml:"supported_languages"`
}

// Default returns the embedded catalog.
func Default() *Catalog {
	c, err := Parse(defaultRules)
	if err != nil {
		panic(fmt.Sprintf("embedded rule catalog is invalid: %v", err))
	}
	return c
}

// Load reads a catalog from path. An empty path yields the embedded catalog.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading rule catalog %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes a YAML catalog. Category IDs must be present and unique.
func Parse(data []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decoding rule catalog: %w", err)
	}
	if len(f.Categories) == 0 {
		return nil, fmt.Errorf("rule catalog has no categories")
	}

	index := make(map[string]struct{}, len(f.Categories))
	for i, cat := range f.Categories {
		if cat.ID == "" {
			return nil, fmt.Errorf("rule category %d has no id", i)
		}
		if _, dup := index[cat.ID]; dup {
			return nil, fmt.Errorf("duplicate rule category %q", cat.ID)
		}
		index[cat.ID] = struct{}{}
	}

	return &Catalog{
		categories: f.Categories,
		languages:  f.SupportedLanguages,
		index:      index,
	}, nil
}

// Has reports whether id names a known category.
func (c *Catalog) Has(id string) bool {
	_, ok := c.index[id]
	return ok
}

// Categories returns the categories in catalog order.
func (c *Catalog) Categories() []Category { return slices.Clone(c.categories) }

// SupportedLanguages returns the languages the worker can scan.
func (c *Catalog) SupportedLanguages() []string { return slices.Clone(c.languages) }
