// Package config loads gobuild build files. YAML files are read by viper,
// HCL files are decoded with hcl/v2 and merged into the same viper instance,
// so defaults, GOBUILD_* environment variables and command line flags apply
// to both formats.
package config

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ignatij/gobuild/pkg/artifact"
	"github.com/ignatij/gobuild/pkg/graph"
	"github.com/ignatij/gobuild/pkg/models"
	"github.com/ignatij/gobuild/pkg/storage"
	"github.com/ignatij/gobuild/pkg/transform"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// ErrInvalidConfig is matched by every error about the content of a build file.
var ErrInvalidConfig = errors.New("invalid configuration")

// DefaultFiles are the build file names looked up when none is given.
var DefaultFiles = []string{"gobuild.yaml", "gobuild.yml", "gobuild.hcl"}

const DefaultTransform = "exec"

type Config struct {
	Workers    int           `mapstructure:"workers"`
	Debounce   time.Duration `mapstructure:"debounce"`
	StateFile  string        `mapstructure:"state_file"`
	Database   string        `mapstructure:"database"`
	StatusAddr string        `mapstructure:"status_addr"`
	LogLevel   string        `mapstructure:"log_level"` // empty keeps LOG_LEVEL
	History    int           `mapstructure:"history"`   // runs kept; 0 keeps all
	Tasks      []TaskConfig  `mapstructure:"tasks"`

	// Root is the absolute directory holding the build file. Task paths are
	// relative to it.
	Root string `mapstructure:"-"`
	// File is the build file that was loaded.
	File string `mapstructure:"-"`
}

type TaskConfig struct {
	Name      string            `mapstructure:"name"`
	Inputs    []string          `mapstructure:"inputs"`
	Output    string            `mapstructure:"output"`
	Deps      []string          `mapstructure:"deps"`
	Transform string            `mapstructure:"transform"`
	Command   []string          `mapstructure:"command"`
	Base      string            `mapstructure:"base"`
	Env       map[string]string `mapstructure:"env"`
	Timeout   time.Duration     `mapstructure:"timeout"`
}

// flag name -> config key
var flagKeys = map[string]string{
	"workers":     "workers",
	"debounce":    "debounce",
	"state-file":  "state_file",
	"db":          "database",
	"status-addr": "status_addr",
	"log-level":   "log_level",
	"history":     "history",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("workers", 0)
	v.SetDefault("debounce", "200ms")
	v.SetDefault("state_file", storage.DefaultStateFile)
	v.SetDefault("database", "")
	v.SetDefault("status_addr", "")
	v.SetDefault("log_level", "")
	v.SetDefault("history", storage.DefaultRetention)
}

// Find returns the first of DefaultFiles present in dir.
func Find(dir string) (string, error) {
	for _, name := range DefaultFiles {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", errors.Wrapf(ErrInvalidConfig, "no build file (%s) in %s", strings.Join(DefaultFiles, ", "), dir)
}

// Load reads the build file at path, or the one found in the working
// directory when path is empty. A .env file next to the build file is loaded
// into the environment first. flags may be nil.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	if path == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, errors.Wrap(err, "getting working directory")
		}
		if path, err = Find(wd); err != nil {
			return nil, err
		}
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, errors.Wrapf(err, "resolving %s", path)
	}
	root := filepath.Dir(abs)

	if err := godotenv.Load(filepath.Join(root, ".env")); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, errors.Wrap(err, "loading .env")
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("GOBUILD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if strings.EqualFold(filepath.Ext(abs), ".hcl") {
		values, err := parseHCL(abs)
		if err != nil {
			return nil, err
		}
		if err := v.MergeConfigMap(values); err != nil {
			return nil, errors.Wrapf(err, "merging %s", abs)
		}
	} else {
		v.SetConfigFile(abs)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, errors.Wrapf(ErrInvalidConfig, "build file %s not found", abs)
			}
			return nil, errors.Wrapf(ErrInvalidConfig, "reading %s: %v", abs, err)
		}
	}

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, errors.Wrapf(err, "binding flag %s", name)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrapf(ErrInvalidConfig, "decoding %s: %v", abs, err)
	}
	cfg.Root = root
	cfg.File = abs
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the parts of the configuration the task graph does not.
func (c *Config) Validate() error {
	if c.Workers < 0 {
		return errors.Wrapf(ErrInvalidConfig, "workers must not be negative, got %d", c.Workers)
	}
	if c.Debounce < 0 {
		return errors.Wrapf(ErrInvalidConfig, "debounce must not be negative, got %s", c.Debounce)
	}
	if c.History < 0 {
		return errors.Wrapf(ErrInvalidConfig, "history must not be negative, got %d", c.History)
	}
	if len(c.Tasks) == 0 {
		return errors.Wrap(ErrInvalidConfig, "no tasks declared")
	}
	for i, t := range c.Tasks {
		if t.Name == "" {
			return errors.Wrapf(ErrInvalidConfig, "task #%d has no name", i+1)
		}
		if t.Output == "" {
			return errors.Wrapf(ErrInvalidConfig, "task %s has no output", t.Name)
		}
		if t.Timeout < 0 {
			return errors.Wrapf(ErrInvalidConfig, "task %s: timeout must not be negative", t.Name)
		}
		for _, in := range t.Inputs {
			if err := artifact.ValidatePattern(in); err != nil {
				return errors.Wrapf(ErrInvalidConfig, "task %s: %v", t.Name, err)
			}
		}
	}
	return nil
}

// BuildGraph creates the tasks with transforms from reg and validates their
// dependencies. Graph errors are returned unwrapped so that cycles stay
// distinguishable from other configuration errors.
func (c *Config) BuildGraph(reg *transform.Registry) (*graph.Graph, error) {
	g := graph.New()
	for _, tc := range c.Tasks {
		kind := tc.Transform
		if kind == "" {
			kind = DefaultTransform
		}
		tr, err := reg.New(transform.Spec{Kind: kind, Command: tc.Command, Base: tc.Base, Env: tc.Env})
		if err != nil {
			return nil, errors.Wrapf(ErrInvalidConfig, "task %s: %v", tc.Name, err)
		}
		task := &models.Task{
			Name:          tc.Name,
			Inputs:        tc.Inputs,
			Output:        artifact.Normalize(tc.Output),
			Deps:          tc.Deps,
			Transform:     tr,
			TransformName: kind,
			Timeout:       tc.Timeout,
		}
		if err := g.AddTask(task); err != nil {
			return nil, err
		}
	}
	if err := g.Build(); err != nil {
		return nil, err
	}
	return g, nil
}
