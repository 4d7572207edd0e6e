package orchestrator

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Template is a named, reusable tool sequence for common flows.
type Template struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description,omitempty"`
	Tools       []string `yaml:"tools"`
}

// DefaultTemplates returns the compiled-in sequences. Consumers can replace or
// extend them via WithTemplates or LoadTemplates.
func DefaultTemplates() []Template {
	return []Template{
		{
			Name:        "plan",
			Description: "Analyze a request and break it into tasks",
			Tools:       []string{"plan_task", "analyze_task", "reflect_task", "split_tasks"},
		},
		{
			Name:        "execute",
			Description: "Execute a task and verify the outcome",
			Tools:       []string{"execute_task", "verify_task"},
		},
		{
			Name:        "verify",
			Description: "Verify a task and record its completion",
			Tools:       []string{"verify_task", "complete_task"},
		},
	}
}

type templatesFile struct {
	Templates []Template `yaml:"templates"`
}

// LoadTemplates reads tool sequences from a YAML file of the form:
//
//	templates:
//	  - name: execute
//	    tools: [execute_task, verify_task]
func LoadTemplates(path string) ([]Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading templates: %w", err)
	}

	var f templatesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing templates: %w", err)
	}

	seen := map[string]bool{}
	for _, tpl := range f.Templates {
		if tpl.Name == "" {
			return nil, fmt.Errorf("template without a name")
		}
		if seen[tpl.Name] {
			return nil, fmt.Errorf("duplicate template %q", tpl.Name)
		}
		seen[tpl.Name] = true
		if len(tpl.Tools) == 0 {
			return nil, fmt.Errorf("template %q has no tools", tpl.Name)
		}
	}

	return f.Templates, nil
}
