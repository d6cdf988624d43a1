package compiler

import (
	"context"
	"errors"
	"path/filepath"
	"strings"

	"github.com/evanw/esbuild/pkg/api"

	"github.com/coldog/bld/pkg/module"
	"github.com/coldog/bld/pkg/sourcemap"
)

var esbuildLoaders = map[string]api.Loader{
	".js":  api.LoaderJS,
	".mjs": api.LoaderJS,
	".cjs": api.LoaderJS,
	".jsx": api.LoaderJSX,
	".ts":  api.LoaderTS,
	".mts": api.LoaderTS,
	".cts": api.LoaderTS,
	".tsx": api.LoaderTSX,
}

// loadESBuild compiles TypeScript, JSX and ES modules down to CommonJS.
func loadESBuild(ctx context.Context, in *Input) (*Output, error) {
	loader, ok := esbuildLoaders[strings.ToLower(filepath.Ext(in.Path))]
	if !ok {
		loader = api.LoaderJS
	}

	result := api.Transform(string(in.Code), api.TransformOptions{
		Loader:         loader,
		Format:         api.FormatCommonJS,
		Sourcefile:     in.Path,
		Sourcemap:      api.SourceMapExternal,
		SourcesContent: api.SourcesContentInclude,
		LogLevel:       api.LogLevelSilent,
		Define:         map[string]string{"import.meta.url": urlBase},
	})
	if len(result.Errors) > 0 {
		msg := result.Errors[0]
		err := &TransformError{Module: in.Path, Err: errors.New(msg.Text)}
		if msg.Location != nil {
			err.Line = msg.Location.Line
			err.Column = msg.Location.Column
		}
		return nil, err
	}

	out := &Output{Type: module.JavaScript, Code: result.Code, SideEffects: true}
	if len(result.Map) > 0 {
		m, err := sourcemap.Parse(result.Map)
		if err != nil {
			return nil, err
		}
		out.Map = m
	}
	return out, nil
}
