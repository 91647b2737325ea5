package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// PipelineOverride is a per-pipeline tuning block loaded from the optional
// pipelines YAML file. Zero values mean "use the process-wide default".
type PipelineOverride struct {
	Name          string        `yaml:"name"`
	MaxConcurrent int           `yaml:"max_concurrent"`
	MaxRetries    *int          `yaml:"max_retries"`
	Timeout       time.Duration `yaml:"-"`
	GitWorkflow   *bool         `yaml:"git_workflow"`
}

// UnmarshalYAML decodes the block, parsing timeout from a duration string
// ("5m", "90s") since yaml has no native duration type.
func (p *PipelineOverride) UnmarshalYAML(node *yaml.Node) error {
	var aux struct {
		Name          string `yaml:"name"`
		MaxConcurrent int    `yaml:"max_concurrent"`
		MaxRetries    *int   `yaml:"max_retries"`
		Timeout       string `yaml:"timeout"`
		GitWorkflow   *bool  `yaml:"git_workflow"`
	}
	if err := node.Decode(&aux); err != nil {
		return err
	}
	p.Name = aux.Name
	p.MaxConcurrent = aux.MaxConcurrent
	p.MaxRetries = aux.MaxRetries
	p.GitWorkflow = aux.GitWorkflow
	if aux.Timeout != "" {
		d, err := time.ParseDuration(aux.Timeout)
		if err != nil {
			return fmt.Errorf("timeout %q: %w", aux.Timeout, err)
		}
		p.Timeout = d
	}
	return nil
}

// PipelinesFileSpec is the root of the pipelines YAML file.
type PipelinesFileSpec struct {
	Pipelines map[string]PipelineOverride `yaml:"pipelines"`
}

// LoadPipelineOverrides reads per-pipeline overrides from path. A missing
// path (empty string) yields an empty map; a missing or malformed file is
// an error so a typoed path never silently drops overrides.
func LoadPipelineOverrides(path string) (map[string]PipelineOverride, error) {
	if path == "" {
		return map[string]PipelineOverride{}, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("op=config.LoadPipelineOverrides path=%s: %w", path, err)
	}
	var spec PipelinesFileSpec
	if err := yaml.Unmarshal(raw, &spec); err != nil {
		return nil, fmt.Errorf("op=config.LoadPipelineOverrides path=%s: %w", path, err)
	}
	if spec.Pipelines == nil {
		spec.Pipelines = map[string]PipelineOverride{}
	}
	return spec.Pipelines, nil
}
