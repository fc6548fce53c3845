// Package config loads stage configuration files.
//
// A stage file is YAML. After defaults are filled in it is checked against
// an embedded CUE schema and then against the cross-field rules the schema
// cannot express.
package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"
)

//go:embed schema.cue
var schemaSource string

// Roles.
const (
	RoleWorker       = "worker"
	RoleSynchronizer = "synchronizer"
)

// Defaults applied to fields left empty.
const (
	DefaultDataDir    = "data"
	DefaultBrokerPath = "bookflow.db"
	DefaultCacheSize  = 64
	DefaultLogLevel   = "info"
)

// ErrInvalid marks configuration that failed validation.
var ErrInvalid = errors.New("invalid configuration")

// Config describes one stage instance.
type Config struct {
	// Stage names the stage; its state lives under <data_dir>/<stage>.
	Stage string `yaml:"stage" json:"stage"`

	// Role is "worker" or "synchronizer".
	Role string `yaml:"role" json:"role"`

	// Instance is this instance's index. It is the peer id stamped on
	// outgoing EOFs and the position in the ring.
	Instance int `yaml:"instance" json:"instance"`

	DataDir string `yaml:"data_dir" json:"data_dir"`
	Broker  Broker `yaml:"broker" json:"broker"`

	// Input is the queue this instance consumes.
	Input string `yaml:"input" json:"input"`

	// Outputs maps strategy-defined names to queues.
	Outputs map[string]string `yaml:"outputs,omitempty" json:"outputs,omitempty"`

	// Peers is the synchronizer quorum.
	Peers []int `yaml:"peers,omitempty" json:"peers,omitempty"`

	// Ring enables chained EOF propagation between worker instances.
	Ring *Ring `yaml:"ring,omitempty" json:"ring,omitempty"`

	CacheSize int            `yaml:"cache_size" json:"cache_size"`
	Strategy  string         `yaml:"strategy" json:"strategy"`
	Params    map[string]any `yaml:"params,omitempty" json:"params,omitempty"`
	LogLevel  string         `yaml:"log_level" json:"log_level"`
}

// Broker locates the SQLite queue database.
type Broker struct {
	Path string `yaml:"path" json:"path"`
}

// Ring lists the input queues of every worker instance in ring order.
type Ring struct {
	Queues []string `yaml:"queues" json:"queues"`
}

// Load reads, defaults and validates the stage file at path. Relative
// data_dir and broker.path are resolved against the file's directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	cfg.resolvePaths(filepath.Dir(path))
	return cfg, nil
}

// Parse decodes and validates a stage file. Unknown fields are rejected.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse YAML: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Role == "" {
		c.Role = RoleWorker
	}
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir
	}
	if c.Broker.Path == "" {
		c.Broker.Path = DefaultBrokerPath
	}
	if c.CacheSize == 0 {
		c.CacheSize = DefaultCacheSize
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
}

func (c *Config) resolvePaths(base string) {
	if !filepath.IsAbs(c.DataDir) {
		c.DataDir = filepath.Join(base, c.DataDir)
	}
	if !filepath.IsAbs(c.Broker.Path) {
		c.Broker.Path = filepath.Join(base, c.Broker.Path)
	}
}

// Validate checks c against the schema and the cross-field rules.
func (c *Config) Validate() error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	value := schema.LookupPath(cue.ParsePath("#Config")).Unify(ctx.Encode(c))
	if err := value.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	if c.Role == RoleSynchronizer && c.Ring != nil {
		return fmt.Errorf("%w: ring is only valid for workers", ErrInvalid)
	}
	if c.Ring != nil && c.Instance >= len(c.Ring.Queues) {
		return fmt.Errorf("%w: instance %d outside ring of %d", ErrInvalid, c.Instance, len(c.Ring.Queues))
	}
	if c.Ring != nil && c.Ring.Queues[c.Instance] != c.Input {
		return fmt.Errorf("%w: ring position %d is %q but input is %q", ErrInvalid, c.Instance, c.Ring.Queues[c.Instance], c.Input)
	}
	seen := make(map[int]bool, len(c.Peers))
	for _, p := range c.Peers {
		if seen[p] {
			return fmt.Errorf("%w: duplicate peer %d", ErrInvalid, p)
		}
		seen[p] = true
	}
	return nil
}

// PeerIDs returns the quorum as peer ids.
func (c *Config) PeerIDs() []uint8 {
	ids := make([]uint8, len(c.Peers))
	for i, p := range c.Peers {
		ids[i] = uint8(p)
	}
	return ids
}

// Level maps log_level to a slog level.
func (c *Config) Level() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// StateDir is where this stage keeps its tenant directories.
func (c *Config) StateDir() string {
	return filepath.Join(c.DataDir, c.Stage)
}
