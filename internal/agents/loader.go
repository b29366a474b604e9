package agents

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type poolFile struct {
	Agents []AgentConfig `yaml:"agents"`
}

// LoadFile reads an agent pool from a YAML file of the form
//
//	agents:
//	  - id: coder-1
//	    role: coder
//	    model_id: gpt-4o
//	    tools: [code_interpreter]
//	    priority: 80
//
// An empty role defaults to assistant.
func LoadFile(path string) ([]AgentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read agents file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates an agent pool document
func Parse(data []byte) ([]AgentConfig, error) {
	var f poolFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("unmarshal agents: %w", err)
	}
	for i := range f.Agents {
		if f.Agents[i].Role == "" {
			f.Agents[i].Role = RoleAssistant
		}
	}
	if err := ValidatePool(f.Agents); err != nil {
		return nil, err
	}
	return f.Agents, nil
}
