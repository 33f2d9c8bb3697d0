// Package config reads the TOML configuration of a neuronalign run.
package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/janelia-flyem/neuronalign/export"
	"github.com/janelia-flyem/neuronalign/morph"
	"github.com/janelia-flyem/neuronalign/state"
	"github.com/janelia-flyem/neuronalign/xform"
)

const (
	DefaultWorkers       = 4
	DefaultFetchAttempts = 3
	DefaultFetchBackoff  = 2 * time.Second
	DefaultStageTimeout  = 10 * time.Minute
)

// Duration is a time.Duration written in TOML as a string such as "90s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) (err error) {
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// OutputConfig is the [output] table.
type OutputConfig struct {
	Root    string
	Formats string
	Prefix  string `toml:"dir_prefix"`
}

// SourceConfig is the [source] table.  References are bucket URLs or local directories.
type SourceConfig struct {
	Skeletons     string
	Meshes        string
	FetchAttempts int      `toml:"fetch_attempts"`
	Backoff       Duration `toml:"fetch_backoff"`
}

// TransformConfig is the [transform] table.  Bridges replace built-in stage-2 bridges of
// the same region.
type TransformConfig struct {
	Backend   string
	Command   string
	Script    string
	TempDir   string `toml:"temp_dir"`
	Timeout   Duration
	Serialize bool
	Bridges   []xform.BridgeConfig `toml:"bridge"`
}

// BatchConfig is the [batch] table.
type BatchConfig struct {
	Workers      int
	SkipExisting *bool  `toml:"skip_existing"`
	StateBackend string `toml:"state_backend"`
	StatePath    string `toml:"state_path"`
}

// Config is a complete run configuration.
type Config struct {
	Logging   morph.LogConfig
	Output    OutputConfig
	Source    SourceConfig
	Transform TransformConfig
	Raster    export.Config
	Batch     BatchConfig
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	c := new(Config)
	c.setDefaults()
	return c
}

func (c *Config) setDefaults() {
	if c.Output.Root == "" {
		c.Output.Root = "."
	}
	if c.Output.Formats == "" {
		c.Output.Formats = "all"
	}
	if c.Source.FetchAttempts <= 0 {
		c.Source.FetchAttempts = DefaultFetchAttempts
	}
	if c.Source.Backoff.Duration <= 0 {
		c.Source.Backoff.Duration = DefaultFetchBackoff
	}
	if c.Transform.Backend == "" {
		c.Transform.Backend = "rscript"
	}
	if c.Transform.Timeout.Duration <= 0 {
		c.Transform.Timeout.Duration = DefaultStageTimeout
	}
	if c.Batch.Workers <= 0 {
		c.Batch.Workers = DefaultWorkers
	}
	if c.Batch.StateBackend == "" {
		c.Batch.StateBackend = "file"
	}
}

// Load decodes a TOML file, fills defaults, and makes relative paths absolute with
// respect to the file's directory.
func Load(filename string) (*Config, error) {
	c := new(Config)
	md, err := toml.DecodeFile(filename, c)
	if err != nil {
		return nil, fmt.Errorf("could not decode TOML config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		morph.Warningf("Ignoring unknown config keys in %s: %v", filename, undecoded)
	}
	c.setDefaults()
	if err := c.convertPathsToAbsolute(filename); err != nil {
		return nil, fmt.Errorf("could not convert relative paths in TOML config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Some settings can be given relative to the config file.  Bucket URLs are left alone.
func (c *Config) convertPathsToAbsolute(configPath string) error {
	configDir := filepath.Dir(configPath)
	paths := map[string]*string{
		"logging.logfile":    &c.Logging.Logfile,
		"output.root":        &c.Output.Root,
		"source.skeletons":   &c.Source.Skeletons,
		"source.meshes":      &c.Source.Meshes,
		"transform.script":   &c.Transform.Script,
		"transform.temp_dir": &c.Transform.TempDir,
		"batch.state_path":   &c.Batch.StatePath,
	}
	for name, p := range paths {
		if *p == "" || isURL(*p) {
			continue
		}
		abs, err := morph.ConvertToAbsolute(*p, configDir)
		if err != nil {
			return fmt.Errorf("error converting %s to absolute path: %w", name, err)
		}
		*p = abs
	}
	return nil
}

func isURL(s string) bool {
	for i := 0; i+2 < len(s); i++ {
		if s[i] == ':' {
			return s[i+1] == '/' && s[i+2] == '/'
		}
		if s[i] == '/' {
			return false
		}
	}
	return false
}

// Validate checks settings that can be checked without touching storage.
func (c *Config) Validate() error {
	if _, err := morph.ParseLevel(c.Logging.Level); err != nil {
		return err
	}
	if _, err := export.ParseFormats(c.Output.Formats); err != nil {
		return err
	}
	switch c.Transform.Backend {
	case "rscript", "identity":
	default:
		return fmt.Errorf("unknown transform backend %q", c.Transform.Backend)
	}
	switch c.Batch.StateBackend {
	case "file", "badger", "memory":
	default:
		return fmt.Errorf("unknown state backend %q", c.Batch.StateBackend)
	}
	for _, b := range c.Transform.Bridges {
		if _, err := xform.NewBridge(b); err != nil {
			return err
		}
	}
	return nil
}

// SkipExisting returns the [batch] skip_existing setting, true unless disabled.
func (c *Config) SkipExisting() bool {
	return c.Batch.SkipExisting == nil || *c.Batch.SkipExisting
}

// StatePath returns the state location, by default inside the output root.
func (c *Config) StatePath() string {
	if c.Batch.StatePath != "" {
		return c.Batch.StatePath
	}
	if c.Batch.StateBackend == "badger" {
		return filepath.Join(c.Output.Root, "processing_state.badger")
	}
	return filepath.Join(c.Output.Root, state.DefaultFilename)
}

// Registration returns the configured stage-1 backend.  If the R command cannot be
// found, identity is used and every neuron is exported unaligned.
func (c *Config) Registration() xform.Registration {
	if c.Transform.Backend == "identity" {
		return xform.Identity{}
	}
	r := &xform.Rscript{
		Command:   c.Transform.Command,
		Script:    c.Transform.Script,
		TempDir:   c.Transform.TempDir,
		Timeout:   c.Transform.Timeout.Duration,
		Serialize: c.Transform.Serialize,
	}
	if !r.Available() {
		cmd := c.Transform.Command
		if cmd == "" {
			cmd = "Rscript"
		}
		morph.Warningf("Registration command %q not found; neurons will be exported unaligned", cmd)
		return xform.Identity{}
	}
	return r
}

// Bridges returns the built-in bridges with configured overrides.
func (c *Config) Bridges() (*xform.BridgeSet, error) {
	bs, err := xform.DefaultBridges()
	if err != nil {
		return nil, err
	}
	if len(c.Transform.Bridges) == 0 {
		return bs, nil
	}
	return bs.With(c.Transform.Bridges...)
}

func (c Config) String() string {
	return fmt.Sprintf("output %s (%s), skeletons %s, meshes %s, transform %s, %d workers, state %s @ %s",
		c.Output.Root, c.Output.Formats, c.Source.Skeletons, c.Source.Meshes,
		c.Transform.Backend, c.Batch.Workers, c.Batch.StateBackend, c.StatePath())
}
