package config

import (
	"time"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/pkg/errors"
)

// hclBuildFile is the top-level structure of a gobuild.hcl file.
type hclBuildFile struct {
	Workers    *int       `hcl:"workers,optional"`
	Debounce   *string    `hcl:"debounce,optional"`
	StateFile  *string    `hcl:"state_file,optional"`
	Database   *string    `hcl:"database,optional"`
	StatusAddr *string    `hcl:"status_addr,optional"`
	LogLevel   *string    `hcl:"log_level,optional"`
	History    *int       `hcl:"history,optional"`
	Tasks      []*hclTask `hcl:"task,block"`
}

type hclTask struct {
	Name      string            `hcl:"name,label"`
	Inputs    []string          `hcl:"inputs,optional"`
	Output    string            `hcl:"output"`
	Deps      []string          `hcl:"deps,optional"`
	Transform string            `hcl:"transform,optional"`
	Command   []string          `hcl:"command,optional"`
	Base      string            `hcl:"base,optional"`
	Env       map[string]string `hcl:"env,optional"`
	Timeout   string            `hcl:"timeout,optional"`
}

// parseHCL decodes an HCL build file into the generic map viper merges. Only
// attributes present in the file are set, so defaults keep applying.
func parseHCL(path string) (map[string]interface{}, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return nil, errors.Wrapf(ErrInvalidConfig, "failed to parse HCL file %s: %v", path, diags)
	}

	var parsed hclBuildFile
	if diags := gohcl.DecodeBody(file.Body, nil, &parsed); diags.HasErrors() {
		return nil, errors.Wrapf(ErrInvalidConfig, "failed to decode HCL file %s: %v", path, diags)
	}

	values := make(map[string]interface{})
	if parsed.Workers != nil {
		values["workers"] = *parsed.Workers
	}
	if parsed.History != nil {
		values["history"] = *parsed.History
	}
	if parsed.Debounce != nil {
		d, err := time.ParseDuration(*parsed.Debounce)
		if err != nil {
			return nil, errors.Wrapf(ErrInvalidConfig, "debounce: %v", err)
		}
		values["debounce"] = d
	}
	for key, p := range map[string]*string{
		"state_file":  parsed.StateFile,
		"database":    parsed.Database,
		"status_addr": parsed.StatusAddr,
		"log_level":   parsed.LogLevel,
	} {
		if p != nil {
			values[key] = *p
		}
	}

	tasks := make([]interface{}, 0, len(parsed.Tasks))
	for _, t := range parsed.Tasks {
		task := map[string]interface{}{
			"name":      t.Name,
			"inputs":    t.Inputs,
			"output":    t.Output,
			"deps":      t.Deps,
			"transform": t.Transform,
			"command":   t.Command,
			"base":      t.Base,
			"env":       t.Env,
		}
		if t.Timeout != "" {
			d, err := time.ParseDuration(t.Timeout)
			if err != nil {
				return nil, errors.Wrapf(ErrInvalidConfig, "task %s: timeout: %v", t.Name, err)
			}
			task["timeout"] = d
		}
		tasks = append(tasks, task)
	}
	values["tasks"] = tasks
	return values, nil
}
