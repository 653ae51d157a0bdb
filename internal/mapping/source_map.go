package mapping

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/SteelMorgan/log-shipper/internal/domain"
	"gopkg.in/yaml.v3"
)

// SourceRule attaches labels to records whose source matches Pattern.
// A pattern ending in "/" matches every file below that directory; a
// pattern without a separator matches the base name; anything else is
// a glob on the full path.
type SourceRule struct {
	Pattern string            `yaml:"pattern"`
	Labels  map[string]string `yaml:"labels"`
}

// SourceMap maps log sources to labels such as service or environment
type SourceMap struct {
	Rules []SourceRule `yaml:"sources"`
}

// LoadSourceMap loads a source map YAML file
func LoadSourceMap(path string) (*SourceMap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read source map: %w", err)
	}

	var sm SourceMap
	if err := yaml.Unmarshal(data, &sm); err != nil {
		return nil, fmt.Errorf("failed to parse source map: %w", err)
	}

	for i, rule := range sm.Rules {
		if rule.Pattern == "" {
			return nil, fmt.Errorf("source map rule %d has no pattern", i)
		}
		if strings.HasSuffix(rule.Pattern, "/") {
			continue
		}
		if _, err := filepath.Match(rule.Pattern, ""); err != nil {
			return nil, fmt.Errorf("source map rule %d: bad pattern %q: %w", i, rule.Pattern, err)
		}
	}

	return &sm, nil
}

func (r SourceRule) matches(source string) bool {
	if strings.HasSuffix(r.Pattern, "/") {
		return strings.HasPrefix(source, r.Pattern)
	}
	if !strings.ContainsRune(r.Pattern, '/') {
		ok, _ := filepath.Match(r.Pattern, filepath.Base(source))
		return ok
	}
	ok, _ := filepath.Match(r.Pattern, source)
	return ok
}

// Labels returns the merged labels of every matching rule.
// Earlier rules win on conflicting keys. Returns nil if nothing matches.
func (sm *SourceMap) Labels(source string) map[string]string {
	if sm == nil {
		return nil
	}

	var labels map[string]string
	for _, rule := range sm.Rules {
		if !rule.matches(source) {
			continue
		}
		if labels == nil {
			labels = make(map[string]string, len(rule.Labels))
		}
		for k, v := range rule.Labels {
			if _, exists := labels[k]; !exists {
				labels[k] = v
			}
		}
	}
	return labels
}

// Apply adds the labels for rec.Source to rec.Fields.
// Fields already present in the record are kept.
func (sm *SourceMap) Apply(rec *domain.NormalizedLog) {
	labels := sm.Labels(rec.Source)
	if len(labels) == 0 {
		return
	}
	if rec.Fields == nil {
		rec.Fields = make(map[string]string, len(labels))
	}
	for k, v := range labels {
		if _, exists := rec.Fields[k]; !exists {
			rec.Fields[k] = v
		}
	}
}
