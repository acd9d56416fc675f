package orchestration

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ParseWorkflowYAML parses and validates a workflow definition from YAML.
//
// Example:
//
//	id: code-review
//	name: Code Review Pipeline
//	steps:
//	  - id: analyze
//	    agent: analyzer
//	    task_type: code-analysis
//	    prompt: "Analyze this code: {{code}}"
//	  - id: summarize
//	    agent: writer
//	    task_type: documentation
//	    prompt: "Summarize the findings: {{analyze}}"
//	    depends_on: [analyze]
func ParseWorkflowYAML(data []byte) (*WorkflowDefinition, error) {
	var def WorkflowDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parsing workflow YAML: %w", err)
	}
	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("workflow validation failed: %w", err)
	}
	return &def, nil
}

// LoadWorkflowFile reads and parses a workflow definition from a YAML file.
func LoadWorkflowFile(path string) (*WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading workflow file %s: %w", path, err)
	}
	return ParseWorkflowYAML(data)
}
