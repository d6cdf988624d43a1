// Package config loads the bld.yaml build configuration.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/coldog/bld/pkg/cache"
	"github.com/coldog/bld/pkg/compiler"
	"github.com/coldog/bld/pkg/linker"
	"github.com/coldog/bld/pkg/module"
	"github.com/coldog/bld/pkg/resolve"
	"github.com/coldog/bld/pkg/split"
)

const (
	DefaultFile = "bld.yaml"
	EnvPrefix   = "BLD"
	HotPath     = "/__bld/hot"
)

type Config struct {
	Context     string            `mapstructure:"context" yaml:"context"`
	Entry       []Entry           `mapstructure:"entry" yaml:"entry"`
	Target      string            `mapstructure:"target" yaml:"target"`
	Output      OutputConfig      `mapstructure:"output" yaml:"output"`
	Resolve     ResolveConfig     `mapstructure:"resolve" yaml:"resolve"`
	Module      ModuleConfig      `mapstructure:"module" yaml:"module"`
	SplitChunks split.Options     `mapstructure:"splitChunks" yaml:"splitChunks"`
	Experiments ExperimentsConfig `mapstructure:"experiments" yaml:"experiments"`
	Cache       CacheConfig       `mapstructure:"cache" yaml:"cache"`
	Dev         DevConfig         `mapstructure:"dev" yaml:"dev"`
	Log         LogConfig         `mapstructure:"log" yaml:"log"`
}

type Entry struct {
	Name    string `mapstructure:"name" yaml:"name"`
	Request string `mapstructure:"request" yaml:"request"`
}

type OutputConfig struct {
	Path          string `mapstructure:"path" yaml:"path"`
	PublicPath    string `mapstructure:"publicPath" yaml:"publicPath"`
	Filename      string `mapstructure:"filename" yaml:"filename"`
	ChunkFilename string `mapstructure:"chunkFilename" yaml:"chunkFilename"`
	CSSFilename   string `mapstructure:"cssFilename" yaml:"cssFilename,omitempty"`
	SourceMap     bool   `mapstructure:"sourceMap" yaml:"sourceMap"`
}

type ResolveConfig struct {
	Extensions []string          `mapstructure:"extensions" yaml:"extensions"`
	Modules    []string          `mapstructure:"modules" yaml:"modules"`
	MainFields []string          `mapstructure:"mainFields" yaml:"mainFields"`
	Alias      map[string]string `mapstructure:"alias" yaml:"alias,omitempty"`
}

type ModuleConfig struct {
	Rules []RuleConfig `mapstructure:"rules" yaml:"rules,omitempty"`
}

// RuleConfig is a loader rule. Loader is shorthand for a single entry in
// Loaders.
type RuleConfig struct {
	Test    string   `mapstructure:"test" yaml:"test"`
	Loader  string   `mapstructure:"loader" yaml:"loader,omitempty"`
	Loaders []string `mapstructure:"loaders" yaml:"loaders,omitempty"`
	Type    string   `mapstructure:"type" yaml:"type,omitempty"`
}

type ExperimentsConfig struct {
	SeparateTypes []string `mapstructure:"separateTypes" yaml:"separateTypes,omitempty"`
}

type CacheConfig struct {
	// Type is memory, sqlite or none.
	Type string `mapstructure:"type" yaml:"type"`
	Path string `mapstructure:"path" yaml:"path,omitempty"`
}

type DevConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
	Hot  bool   `mapstructure:"hot" yaml:"hot"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Pretty bool   `mapstructure:"pretty" yaml:"pretty"`
}

// Load reads the configuration file at path from fs. An empty path looks for
// bld.yaml in the working directory and falls back to defaults when there is
// none. Values are overridden by BLD_ environment variables; a .env file next
// to the configuration is loaded first without replacing variables that are
// already set.
func Load(fs afero.Fs, path string) (*Config, error) {
	dir := "."
	if path != "" {
		dir = filepath.Dir(path)
	}
	if err := loadEnvFile(fs, dir); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetFs(fs)
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(strings.TrimSuffix(DefaultFile, filepath.Ext(DefaultFile)))
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
		log.Info().Msg("config: no config file found, using defaults")
	} else {
		log.Debug().Str("file", v.ConfigFileUsed()).Msg("config: loaded")
		dir = filepath.Dir(v.ConfigFileUsed())
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	cfg.resolvePaths(dir)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadEnvFile(fs afero.Fs, dir string) error {
	for _, name := range []string{".env", ".env.local"} {
		f, err := fs.Open(filepath.Join(dir, name))
		if err != nil {
			continue
		}
		env, err := godotenv.Parse(f)
		f.Close()
		if err != nil {
			return fmt.Errorf("config: parsing %s: %w", name, err)
		}
		for k, val := range env {
			if _, ok := os.LookupEnv(k); !ok {
				os.Setenv(k, val)
			}
		}
		log.Debug().Str("file", name).Msg("config: env file loaded")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	l := linker.DefaultOptions()
	s := split.DefaultOptions()

	v.SetDefault("context", ".")
	v.SetDefault("target", l.Target)

	v.SetDefault("output.path", "dist")
	v.SetDefault("output.publicPath", l.PublicPath)
	v.SetDefault("output.filename", l.Filename)
	v.SetDefault("output.chunkFilename", l.ChunkFilename)
	v.SetDefault("output.cssFilename", "")
	v.SetDefault("output.sourceMap", l.SourceMap)

	v.SetDefault("resolve.extensions", resolve.DefaultExtensions)
	v.SetDefault("resolve.modules", []string{"node_modules"})
	v.SetDefault("resolve.mainFields", []string{"browser", "module", "main"})

	v.SetDefault("splitChunks.minShared", s.MinShared)
	v.SetDefault("splitChunks.minSize", s.MinSize)
	v.SetDefault("splitChunks.thresholdMode", s.ThresholdMode)
	v.SetDefault("splitChunks.tieBreak", s.TieBreak)

	v.SetDefault("cache.type", "memory")
	v.SetDefault("cache.path", "")

	v.SetDefault("dev.addr", ":8080")
	v.SetDefault("dev.hot", true)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", true)
}

// resolvePaths makes Context absolute against dir and the output path and
// sqlite cache path absolute against Context.
func (c *Config) resolvePaths(dir string) {
	if !filepath.IsAbs(c.Context) {
		c.Context = filepath.Join(dir, c.Context)
	}
	if abs, err := filepath.Abs(c.Context); err == nil {
		c.Context = abs
	}
	if c.Output.Path != "" && !filepath.IsAbs(c.Output.Path) {
		c.Output.Path = filepath.Join(c.Context, c.Output.Path)
	}
	if c.Cache.Path != "" && !filepath.IsAbs(c.Cache.Path) {
		c.Cache.Path = filepath.Join(c.Context, c.Cache.Path)
	}
}

// Validate reports every problem of the configuration.
func (c *Config) Validate() error {
	var result *multierror.Error

	if len(c.Entry) == 0 {
		result = multierror.Append(result, fmt.Errorf("config: at least one entry is required"))
	}
	names := map[string]bool{}
	for i, e := range c.Entry {
		if e.Request == "" {
			result = multierror.Append(result, fmt.Errorf("config: entry %d: request is required", i))
		}
		if names[e.Name] {
			result = multierror.Append(result, fmt.Errorf("config: entry %q declared twice", e.Name))
		}
		names[e.Name] = true
	}

	switch c.Target {
	case "web", "webworker", "node":
	default:
		result = multierror.Append(result, fmt.Errorf("config: target must be web, webworker or node, got %q", c.Target))
	}

	if c.Output.Filename == "" || c.Output.ChunkFilename == "" {
		result = multierror.Append(result, fmt.Errorf("config: output filename templates are required"))
	}

	if _, err := c.Rules(); err != nil {
		result = multierror.Append(result, err)
	}

	if err := split.Validate(c.SplitOptions()); err != nil {
		result = multierror.Append(result, err)
	}

	switch c.Cache.Type {
	case "", "none", "memory":
	case "sqlite":
		if c.Cache.Path == "" {
			result = multierror.Append(result, fmt.Errorf("config: cache.path is required for the sqlite cache"))
		}
	default:
		result = multierror.Append(result, fmt.Errorf("config: unknown cache type %q", c.Cache.Type))
	}

	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		result = multierror.Append(result, fmt.Errorf("config: log level: %w", err))
	}

	return result.ErrorOrNil()
}

func (c *Config) Entries() []module.EntrySpec {
	specs := make([]module.EntrySpec, len(c.Entry))
	for i, e := range c.Entry {
		specs[i] = module.EntrySpec{Name: e.Name, Request: e.Request}
	}
	return specs
}

// Rules returns the configured loader rules followed by the default rules.
func (c *Config) Rules() ([]compiler.Rule, error) {
	loaders := compiler.Builtin()
	var result *multierror.Error
	var rules []compiler.Rule
	for i, rc := range c.Module.Rules {
		re, err := regexp.Compile(rc.Test)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("config: rule %d: %w", i, err))
			continue
		}
		names := rc.Loaders
		if rc.Loader != "" {
			names = append([]string{rc.Loader}, names...)
		}
		if len(names) == 0 && rc.Type == string(module.Asset) {
			names = []string{"asset"}
		}
		if len(names) == 0 {
			result = multierror.Append(result, fmt.Errorf("config: rule %d: no loader", i))
			continue
		}
		for _, name := range names {
			if _, ok := loaders[name]; !ok {
				result = multierror.Append(result, fmt.Errorf("config: rule %d: unknown loader %q", i, name))
			}
		}
		rules = append(rules, compiler.Rule{Test: re, Loaders: names, Type: module.Type(rc.Type)})
	}
	if err := result.ErrorOrNil(); err != nil {
		return nil, err
	}
	return append(rules, compiler.DefaultRules()...), nil
}

func (c *Config) SplitOptions() split.Options {
	opts := c.SplitChunks
	for _, t := range c.Experiments.SeparateTypes {
		opts.SeparateTypes = append(opts.SeparateTypes, module.Type(t))
	}
	return opts
}

// LinkerOptions returns the emission options. With hot set the runtime
// connects to the dev server's websocket.
func (c *Config) LinkerOptions(hot bool) linker.Options {
	opts := linker.DefaultOptions()
	opts.Context = c.Context
	opts.PublicPath = c.Output.PublicPath
	opts.Filename = c.Output.Filename
	opts.ChunkFilename = c.Output.ChunkFilename
	opts.CSSFilename = c.Output.CSSFilename
	opts.SourceMap = c.Output.SourceMap
	opts.Target = c.Target
	if hot && c.Dev.Hot {
		opts.HotURL = c.HotURL()
	}
	return opts
}

// HotURL is the websocket URL of the dev server's hot endpoint.
func (c *Config) HotURL() string {
	host := c.Dev.Addr
	if strings.HasPrefix(host, ":") {
		host = "localhost" + host
	}
	return "ws://" + host + HotPath
}

func (c *Config) Resolver(fs afero.Fs) *resolve.Resolver {
	r := resolve.New(fs)
	if len(c.Resolve.Extensions) > 0 {
		r.Extensions = c.Resolve.Extensions
	}
	if len(c.Resolve.Modules) > 0 {
		r.Modules = c.Resolve.Modules
	}
	if len(c.Resolve.MainFields) > 0 {
		r.MainFields = c.Resolve.MainFields
	}
	r.Alias = c.Resolve.Alias
	return r
}

// OpenCache opens the configured transform cache. It returns nil when
// caching is disabled.
func (c *Config) OpenCache() (cache.Store, error) {
	switch c.Cache.Type {
	case "sqlite":
		store, err := cache.NewSQLiteStore(c.Cache.Path)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "none":
		return nil, nil
	default:
		return cache.NewMemoryStore(), nil
	}
}

// Write dumps the configuration as YAML.
func (c *Config) Write(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("config: encode: %w", err)
	}
	return enc.Close()
}
