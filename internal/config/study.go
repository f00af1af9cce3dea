package config

import (
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// Study is the experiment configuration document. It is read once at startup
// and passed by value afterwards; nothing mutates it after LoadStudy returns.
type Study struct {
	NPerCategory        int               `yaml:"n_per_category" json:"n_per_category"`
	RandomizeAssignment bool              `yaml:"randomize_assignment" json:"randomize_assignment"`
	ShuffleCategories   bool              `yaml:"shuffle_categories" json:"shuffle_categories"`
	MetadataFiles       map[string]string `yaml:"metadata_files" json:"metadata_files"`
	CategoryOrder       []string          `yaml:"category_order" json:"category_order"`
	SupportedGroups     []int             `yaml:"supported_groups" json:"supported_groups"`
	ImageBasePath       string            `yaml:"image_base_path" json:"image_base_path"`

	// PathPrefixes maps a category to the folder its assets are deployed
	// under when that differs from the prefix used inside its pool document.
	PathPrefixes map[string]string `yaml:"path_prefixes" json:"path_prefixes"`
	// ConceptGroups lists the groups that are shown the concept label.
	ConceptGroups []int `yaml:"concept_groups" json:"concept_groups"`
}

// DefaultNPerCategory applies when the document omits n_per_category.
const DefaultNPerCategory = 10

// LoadStudy reads the study document (JSON or YAML) from path and validates it.
func LoadStudy(path string) (Study, error) {
	var st Study
	data, err := os.ReadFile(path)
	if err != nil {
		return st, err
	}
	if err := yaml.Unmarshal(data, &st); err != nil {
		return st, fmt.Errorf("parse study config: %w", err)
	}
	if st.NPerCategory == 0 {
		st.NPerCategory = DefaultNPerCategory
	}
	if err := st.Validate(); err != nil {
		return st, err
	}
	return st, nil
}

// Validate checks internal consistency of the document.
func (s Study) Validate() error {
	if s.NPerCategory < 0 {
		return fmt.Errorf("n_per_category must not be negative")
	}
	if len(s.CategoryOrder) == 0 {
		return fmt.Errorf("category_order is empty")
	}
	seen := make(map[string]bool, len(s.CategoryOrder))
	for _, cat := range s.CategoryOrder {
		if seen[cat] {
			return fmt.Errorf("category %q listed twice in category_order", cat)
		}
		seen[cat] = true
		if s.MetadataFiles[cat] == "" {
			return fmt.Errorf("no metadata file configured for category %q", cat)
		}
	}
	if len(s.SupportedGroups) == 0 {
		return fmt.Errorf("supported_groups is empty")
	}
	return nil
}

// SupportsGroup reports whether group is accepted by the study.
func (s Study) SupportsGroup(group int) bool {
	return slices.Contains(s.SupportedGroups, group)
}

// ShowsConcept reports whether group sees concept labels.
func (s Study) ShowsConcept(group int) bool {
	return slices.Contains(s.ConceptGroups, group)
}
