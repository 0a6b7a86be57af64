// Package config handles agim.toml runtime configuration.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/BurntSushi/toml"

	"github.com/chazu/agim/block"
	"github.com/chazu/agim/heap"
	"github.com/chazu/agim/sched"
)

// FileName is the configuration file looked up by Load and FindAndLoad.
const FileName = "agim.toml"

//go:embed schema.cue
var schemaSource string

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config represents an agim.toml file.
type Config struct {
	Scheduler    Scheduler    `toml:"scheduler" json:"scheduler"`
	GC           GC           `toml:"gc" json:"gc"`
	Limits       Limits       `toml:"limits" json:"limits"`
	Capabilities Capabilities `toml:"capabilities" json:"capabilities"`
	Log          Log          `toml:"log" json:"log"`
	Journal      Journal      `toml:"journal" json:"journal"`

	// Path is the file the configuration was read from, empty for Default.
	Path string `toml:"-" json:"-"`
}

// Scheduler configures workers and slices.
type Scheduler struct {
	Workers           int    `toml:"workers" json:"workers"`
	Stealing          bool   `toml:"stealing" json:"stealing"`
	MaxBlocks         int    `toml:"max-blocks" json:"max-blocks"`
	DefaultReductions int    `toml:"default-reductions" json:"default-reductions"`
	TimerResolution   string `toml:"timer-resolution" json:"timer-resolution"`
	Trace             bool   `toml:"trace" json:"trace"`
}

// GC configures per-block heaps.
type GC struct {
	InitialHeapSize    int64   `toml:"initial-heap-size" json:"initial-heap-size"`
	MaxHeapSize        int64   `toml:"max-heap-size" json:"max-heap-size"`
	GrowthFactor       float64 `toml:"growth-factor" json:"growth-factor"`
	Threshold          float64 `toml:"threshold" json:"threshold"`
	IncrementalStep    int     `toml:"incremental-step" json:"incremental-step"`
	MaxRememberSize    int     `toml:"max-remember-size" json:"max-remember-size"`
	PromotionThreshold int     `toml:"promotion-threshold" json:"promotion-threshold"`
	Generational       bool    `toml:"generational" json:"generational"`
}

// Limits are the per-block resource limits applied to every spawn.
type Limits struct {
	MaxHeapSize    int64 `toml:"max-heap-size" json:"max-heap-size"`
	MaxStackDepth  int   `toml:"max-stack-depth" json:"max-stack-depth"`
	MaxCallDepth   int   `toml:"max-call-depth" json:"max-call-depth"`
	MaxMailboxSize int   `toml:"max-mailbox-size" json:"max-mailbox-size"`
}

// Capabilities lists capability names. Default is granted to blocks
// spawned without an explicit set; Allowed and Denied form the spawn policy.
type Capabilities struct {
	Default []string `toml:"default" json:"default"`
	Allowed []string `toml:"allowed" json:"allowed"`
	Denied  []string `toml:"denied" json:"denied"`
}

// Log configures commonlog.
type Log struct {
	Verbosity int    `toml:"verbosity" json:"verbosity"`
	File      string `toml:"file" json:"file"`
}

// Journal configures the exit journal.
type Journal struct {
	Enabled bool   `toml:"enabled" json:"enabled"`
	Path    string `toml:"path" json:"path"`
}

// Default returns the built-in configuration.
func Default() *Config {
	sc := sched.DefaultConfig()
	gc := heap.DefaultConfig()
	lim := block.DefaultLimits()
	return &Config{
		Scheduler: Scheduler{
			Workers:           runtime.GOMAXPROCS(0),
			Stealing:          true,
			MaxBlocks:         sc.MaxBlocks,
			DefaultReductions: sc.DefaultReductions,
			TimerResolution:   sc.TimerResolution.String(),
		},
		GC: GC{
			InitialHeapSize:    gc.InitialHeapSize,
			MaxHeapSize:        gc.MaxHeapSize,
			GrowthFactor:       gc.GrowthFactor,
			Threshold:          gc.GCThreshold,
			IncrementalStep:    gc.IncrementalStep,
			MaxRememberSize:    gc.MaxRememberSize,
			PromotionThreshold: gc.PromotionThreshold,
			Generational:       gc.Generational,
		},
		Limits: Limits{
			MaxHeapSize:    lim.MaxHeapSize,
			MaxStackDepth:  lim.MaxStackDepth,
			MaxCallDepth:   lim.MaxCallDepth,
			MaxMailboxSize: lim.MaxMailboxSize,
		},
		Capabilities: Capabilities{
			Default: sc.Capabilities.Names(),
		},
		Log: Log{Verbosity: 0},
		Journal: Journal{
			Path: "agim-journal.db",
		},
	}
}

// Load parses an agim.toml file from the given directory.
func Load(dir string) (*Config, error) {
	return LoadFile(filepath.Join(dir, FileName))
}

// LoadFile parses the file at path over the defaults and validates the
// result. Unknown keys are an error.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	c := Default()
	md, err := toml.Decode(string(data), c)
	if err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("%w: unknown keys in %s: %s", ErrInvalid, path, strings.Join(keys, ", "))
	}

	c.Path, err = filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", path, err)
	}
	if c.Journal.Path != "" && !filepath.IsAbs(c.Journal.Path) {
		c.Journal.Path = filepath.Join(filepath.Dir(c.Path), c.Journal.Path)
	}

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// FindAndLoad walks up from startDir to find an agim.toml file, then loads
// and returns it. Returns nil if no file is found.
func FindAndLoad(startDir string) (*Config, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return LoadFile(path)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return nil, nil
		}
		dir = parent
	}
}

// Validate checks c against the embedded schema and the constraints that
// span fields.
func (c *Config) Validate() error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("config: compile schema: %w", err)
	}

	// nil lists encode as null, which the schema rejects.
	norm := *c
	norm.Capabilities = Capabilities{
		Default: nonNil(c.Capabilities.Default),
		Allowed: nonNil(c.Capabilities.Allowed),
		Denied:  nonNil(c.Capabilities.Denied),
	}
	v := schema.LookupPath(cue.ParsePath("#Config")).Unify(ctx.Encode(norm))
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.TrimSpace(cueerrors.Details(err, nil)))
	}

	if c.GC.InitialHeapSize > c.GC.MaxHeapSize {
		return fmt.Errorf("%w: gc initial-heap-size %d exceeds max-heap-size %d", ErrInvalid, c.GC.InitialHeapSize, c.GC.MaxHeapSize)
	}
	if _, err := time.ParseDuration(c.Scheduler.TimerResolution); err != nil {
		return fmt.Errorf("%w: scheduler timer-resolution: %v", ErrInvalid, err)
	}
	def, err := c.DefaultCapabilities()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	policy, err := c.Policy()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := policy.Check(def); err != nil {
		return fmt.Errorf("%w: default capabilities: %v", ErrInvalid, err)
	}
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// DefaultCapabilities returns the capability set granted to blocks spawned
// without one.
func (c *Config) DefaultCapabilities() (block.Capability, error) {
	return block.ParseCapabilities(c.Capabilities.Default)
}

// Policy returns the spawn policy built from the allowed and denied lists.
func (c *Config) Policy() (block.Policy, error) {
	allowed, err := block.ParseCapabilities(c.Capabilities.Allowed)
	if err != nil {
		return block.Policy{}, err
	}
	denied, err := block.ParseCapabilities(c.Capabilities.Denied)
	if err != nil {
		return block.Policy{}, err
	}
	return block.Policy{Allowed: allowed, Denied: denied}, nil
}

// HeapConfig converts the [gc] section.
func (c *Config) HeapConfig() heap.Config {
	return heap.Config{
		InitialHeapSize:    c.GC.InitialHeapSize,
		MaxHeapSize:        c.GC.MaxHeapSize,
		GrowthFactor:       c.GC.GrowthFactor,
		GCThreshold:        c.GC.Threshold,
		IncrementalStep:    c.GC.IncrementalStep,
		MaxRememberSize:    c.GC.MaxRememberSize,
		PromotionThreshold: c.GC.PromotionThreshold,
		Generational:       c.GC.Generational,
	}
}

// BlockLimits converts the [limits] section.
func (c *Config) BlockLimits() block.Limits {
	return block.Limits{
		MaxHeapSize:    c.Limits.MaxHeapSize,
		MaxStackDepth:  c.Limits.MaxStackDepth,
		MaxCallDepth:   c.Limits.MaxCallDepth,
		MaxReductions:  c.Scheduler.DefaultReductions,
		MaxMailboxSize: c.Limits.MaxMailboxSize,
	}
}

// SchedConfig builds the scheduler configuration.
func (c *Config) SchedConfig() (sched.Config, error) {
	res, err := time.ParseDuration(c.Scheduler.TimerResolution)
	if err != nil {
		return sched.Config{}, fmt.Errorf("config: timer-resolution: %w", err)
	}
	caps, err := c.DefaultCapabilities()
	if err != nil {
		return sched.Config{}, fmt.Errorf("config: %w", err)
	}
	policy, err := c.Policy()
	if err != nil {
		return sched.Config{}, fmt.Errorf("config: %w", err)
	}
	return sched.Config{
		MaxBlocks:         c.Scheduler.MaxBlocks,
		DefaultReductions: c.Scheduler.DefaultReductions,
		NumWorkers:        c.Scheduler.Workers,
		EnableStealing:    c.Scheduler.Stealing,
		Limits:            c.BlockLimits(),
		Capabilities:      caps,
		Policy:            policy,
		GC:                c.HeapConfig(),
		TimerResolution:   res,
		Trace:             c.Scheduler.Trace,
	}, nil
}

// LogPath returns the configured log file, or nil for stderr.
func (c *Config) LogPath() *string {
	if c.Log.File == "" {
		return nil
	}
	return &c.Log.File
}
