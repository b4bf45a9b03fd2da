package risk

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

type taxonomyFile struct {
	Categories []struct {
		ID       string   `yaml:"id"`
		Patterns []string `yaml:"patterns"`
	} `yaml:"categories"`
}

// LoadTaxonomy builds a classifier from a YAML taxonomy file. A missing file
// yields the built-in taxonomy without error; a malformed file is an error.
func LoadTaxonomy(path string) (*Classifier, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewClassifier(), nil
		}
		return nil, err
	}

	var file taxonomyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse taxonomy %s: %w", path, err)
	}
	if len(file.Categories) == 0 {
		return NewClassifier(), nil
	}

	categories := make([]Category, 0, len(file.Categories))
	for _, c := range file.Categories {
		if c.ID == "" || len(c.Patterns) == 0 {
			continue
		}
		patterns := make([]*regexp.Regexp, 0, len(c.Patterns))
		for _, p := range c.Patterns {
			re, err := regexp.Compile(`(?i)` + p)
			if err != nil {
				return nil, fmt.Errorf("taxonomy %s: category %s: %w", path, c.ID, err)
			}
			patterns = append(patterns, re)
		}
		categories = append(categories, Category{ID: c.ID, Patterns: patterns})
	}
	if len(categories) == 0 {
		return NewClassifier(), nil
	}
	return &Classifier{categories: categories}, nil
}
