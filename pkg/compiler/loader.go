package compiler

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/coldog/bld/pkg/module"
	"github.com/coldog/bld/pkg/sourcemap"
)

// Input is what a loader sees: the output of the previous loader, or the raw
// file for the first one.
type Input struct {
	Path  string
	Query string
	// Source is the raw file content.
	Source []byte
	Code   []byte
	Map    *sourcemap.Map
}

// Output is the result of one loader. A nil Map with changed Code loses the
// mapping for the rest of the chain.
type Output struct {
	Type  module.Type
	Code  []byte
	Map   *sourcemap.Map
	Files []module.File
	// SideEffects marks code that must run even when nothing is imported
	// from it.
	SideEffects bool
}

// Loader transforms one module.
type Loader interface {
	Load(ctx context.Context, in *Input) (*Output, error)
}

type LoaderFunc func(ctx context.Context, in *Input) (*Output, error)

func (f LoaderFunc) Load(ctx context.Context, in *Input) (*Output, error) { return f(ctx, in) }

// Builtin returns the loaders available by name.
func Builtin() map[string]Loader {
	return map[string]Loader{
		"js":      LoaderFunc(loadJS),
		"esbuild": LoaderFunc(loadESBuild),
		"css":     LoaderFunc(loadCSS),
		"asset":   LoaderFunc(loadAsset),
		"json":    LoaderFunc(loadJSON),
	}
}

// loadJS passes CommonJS through with an identity map. Files using module
// syntax are handed to esbuild, since the chunk wrapper only runs CommonJS.
func loadJS(ctx context.Context, in *Input) (*Output, error) {
	if isModule(ctx, in.Code) {
		return loadESBuild(ctx, in)
	}
	return &Output{
		Type:        module.JavaScript,
		Code:        in.Code,
		Map:         sourcemap.Identity(in.Path, in.Source, in.Code),
		SideEffects: true,
	}, nil
}

// loadAsset emits the file under its content hash and exports the public
// URL.
func loadAsset(ctx context.Context, in *Input) (*Output, error) {
	name := fmt.Sprintf("%016x%s", xxhash.Sum64(in.Code), filepath.Ext(in.Path))
	code := fmt.Sprintf("module.exports = require.p + %q;", name)
	return &Output{
		Type:  module.Asset,
		Code:  []byte(code),
		Files: []module.File{{Name: name, Content: in.Code}},
	}, nil
}

func loadJSON(ctx context.Context, in *Input) (*Output, error) {
	code := "module.exports = " + strings.TrimSpace(string(in.Code)) + ";"
	return &Output{
		Type: module.JavaScript,
		Code: []byte(code),
		Map:  sourcemap.Identity(in.Path, in.Source, []byte(code)),
	}, nil
}
