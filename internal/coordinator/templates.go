package coordinator

import (
	_ "embed"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed templates.yaml
var templatesYAML []byte

// todoTemplate is one item of a strategy breakdown.
type todoTemplate struct {
	Key       string       `yaml:"key"`
	Content   string       `yaml:"content"`
	Priority  TodoPriority `yaml:"priority"`
	Tags      []string     `yaml:"tags"`
	DependsOn []string     `yaml:"depends_on"`
}

// templateSet maps a strategy name to its breakdown.
type templateSet map[string][]todoTemplate

const defaultStrategy = "default"

func parseTemplates(data []byte) (templateSet, error) {
	var set templateSet
	if err := yaml.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("failed to parse todo templates: %w", err)
	}
	if len(set[defaultStrategy]) == 0 {
		return nil, fmt.Errorf("todo templates: missing %q strategy", defaultStrategy)
	}

	for name, items := range set {
		keys := make(map[string]bool, len(items))
		for _, item := range items {
			if item.Key == "" || keys[item.Key] {
				return nil, fmt.Errorf("todo templates: strategy %q has an empty or duplicate key %q", name, item.Key)
			}
			for _, dep := range item.DependsOn {
				if !keys[dep] {
					return nil, fmt.Errorf("todo templates: %s/%s depends on unknown or later key %q", name, item.Key, dep)
				}
			}
			keys[item.Key] = true
		}
	}
	return set, nil
}

// forStrategy returns the breakdown for strategy, falling back to the default.
func (s templateSet) forStrategy(strategy string) []todoTemplate {
	if items, ok := s[strategy]; ok {
		return items
	}
	return s[defaultStrategy]
}

func (t todoTemplate) render(objective string) string {
	return strings.ReplaceAll(t.Content, "{objective}", objective)
}
