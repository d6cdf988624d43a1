// Package compiler turns files into modules: it picks the loaders for a
// file, runs them in order, composes their source maps and scans the result
// for dependencies.
package compiler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"

	"github.com/coldog/bld/pkg/cache"
	"github.com/coldog/bld/pkg/module"
	"github.com/coldog/bld/pkg/sourcemap"
)

var ErrNoLoader = errors.New("compiler: no loader matches")

// Rule selects the loaders for the modules whose identity matches Test.
type Rule struct {
	Test    *regexp.Regexp
	Loaders []string
	// Type overrides the module type reported by the loaders.
	Type module.Type
}

// DefaultRules covers scripts, stylesheets, JSON and common binary assets.
// Plain .js files are expected to be CommonJS already.
func DefaultRules() []Rule {
	return []Rule{
		{Test: regexp.MustCompile(`\.c?js$`), Loaders: []string{"js"}},
		{Test: regexp.MustCompile(`\.(mjs|jsx|m?ts|cts|tsx)$`), Loaders: []string{"esbuild"}},
		{Test: regexp.MustCompile(`\.css$`), Loaders: []string{"css"}},
		{Test: regexp.MustCompile(`\.json$`), Loaders: []string{"json"}},
		{Test: regexp.MustCompile(`\.(png|jpe?g|gif|svg|webp|woff2?|ttf|eot|txt)$`), Loaders: []string{"asset"}, Type: module.Asset},
	}
}

// Compiler implements module.Transformer.
type Compiler struct {
	Fs      afero.Fs
	Rules   []Rule
	Loaders map[string]Loader
	// Cache is optional.
	Cache cache.Store
}

func New(fs afero.Fs, rules []Rule, store cache.Store) *Compiler {
	if rules == nil {
		rules = DefaultRules()
	}
	return &Compiler{Fs: fs, Rules: rules, Loaders: Builtin(), Cache: store}
}

// match tests the rules against the path alone; the query only travels with
// the identity.
func (c *Compiler) match(path string) (Rule, bool) {
	for _, r := range c.Rules {
		if r.Test.MatchString(path) {
			return r, true
		}
	}
	return Rule{}, false
}

// Transform loads the file at path and runs the loaders of the first rule
// matching path.
func (c *Compiler) Transform(ctx context.Context, path, query string) (*module.Transformed, error) {
	identity := path + query
	rule, ok := c.match(path)
	if !ok {
		return nil, &TransformError{Module: identity, Err: ErrNoLoader}
	}

	src, err := afero.ReadFile(c.Fs, path)
	if err != nil {
		return nil, &TransformError{Module: identity, Err: err}
	}

	out, cached, err := c.load(ctx, rule, path, query, src)
	if err != nil {
		return nil, err
	}
	if rule.Type != "" {
		out.Type = rule.Type
	}

	t := &module.Transformed{
		Type:        out.Type,
		Code:        out.Code,
		Source:      src,
		Map:         out.Map,
		SideEffects: out.SideEffects,
		Files:       out.Files,
	}
	switch t.Type {
	case module.JavaScript:
		res, err := scanJS(ctx, identity, out.Code)
		if err != nil {
			return nil, err
		}
		t.Code, t.Dependencies, t.Hot = res.Code, res.Dependencies, res.Hot
	case module.CSS:
		t.Code, t.Dependencies = scanCSS(out.Code)
	}

	log.Debug().
		Str("module", identity).
		Strs("loaders", rule.Loaders).
		Bool("cached", cached).
		Int("deps", len(t.Dependencies)).
		Msg("compiler: transformed")
	return t, nil
}

// load runs the loader chain of rule, going through the cache when one is
// configured.
func (c *Compiler) load(ctx context.Context, rule Rule, path, query string, src []byte) (*Output, bool, error) {
	key := cacheKey(path, query, rule.Loaders, src)
	if c.Cache != nil {
		e, err := c.Cache.Get(ctx, key)
		if err != nil {
			log.Warn().Err(err).Str("module", path).Msg("compiler: cache read failed")
		}
		if e != nil {
			out := &Output{Type: module.Type(e.Type), Code: e.Code, SideEffects: e.Type != string(module.Asset)}
			if len(e.Map) > 0 {
				if out.Map, err = sourcemap.Parse(e.Map); err == nil {
					return out, true, nil
				}
			} else {
				return out, true, nil
			}
		}
	}

	out, err := c.run(ctx, rule.Loaders, path, query, src)
	if err != nil {
		return nil, false, err
	}

	if c.Cache != nil && len(out.Files) == 0 {
		e := &cache.Entry{Type: string(out.Type), Code: out.Code}
		if out.Map != nil {
			if e.Map, err = out.Map.Bytes(); err != nil {
				return nil, false, err
			}
		}
		if err := c.Cache.Put(ctx, key, e); err != nil {
			log.Warn().Err(err).Str("module", path).Msg("compiler: cache write failed")
		}
	}
	return out, false, nil
}

// run applies loaders in order. Each loader's map covers its own step; the
// steps are composed into one map from the final code to the file.
func (c *Compiler) run(ctx context.Context, loaders []string, path, query string, src []byte) (*Output, error) {
	identity := path + query
	in := &Input{Path: path, Query: query, Source: src, Code: src}
	result := &Output{Type: module.JavaScript, Code: src}

	var maps []*sourcemap.Map
	lost := false
	for _, name := range loaders {
		l, ok := c.Loaders[name]
		if !ok {
			return nil, &TransformError{Module: identity, Err: fmt.Errorf("unknown loader %q", name)}
		}
		out, err := l.Load(ctx, in)
		if err != nil {
			var te *TransformError
			if errors.As(err, &te) {
				te.Module = identity
				return nil, te
			}
			return nil, &TransformError{Module: identity, Err: fmt.Errorf("%s: %w", name, err)}
		}

		switch {
		case out.Map != nil:
			maps = append(maps, out.Map)
		case !bytes.Equal(out.Code, in.Code):
			lost = true
		}
		if out.Type != "" {
			result.Type = out.Type
		}
		result.Code = out.Code
		result.Files = append(result.Files, out.Files...)
		result.SideEffects = result.SideEffects || out.SideEffects

		in = &Input{Path: path, Query: query, Source: src, Code: out.Code, Map: out.Map}
	}

	if !lost && len(maps) > 0 {
		m, err := sourcemap.Compose(maps...)
		if err != nil {
			return nil, &TransformError{Module: identity, Err: err}
		}
		result.Map = m
	}
	return result, nil
}

func cacheKey(path, query string, loaders []string, src []byte) string {
	h := xxhash.New()
	h.WriteString(path)
	h.WriteString("\x00")
	h.WriteString(query)
	h.WriteString("\x00")
	h.WriteString(strings.Join(loaders, "!"))
	h.WriteString("\x00")
	h.Write(src)
	return strconv.FormatUint(h.Sum64(), 16)
}
