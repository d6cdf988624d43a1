package compiler

import (
	"context"
	"regexp"

	"github.com/coldog/bld/pkg/module"
	"github.com/coldog/bld/pkg/sourcemap"
)

var cssImport = regexp.MustCompile(`@import\s+(?:url\(\s*)?["']?([^"')\s;]+)["']?\s*\)?[^;]*;`)

func loadCSS(ctx context.Context, in *Input) (*Output, error) {
	return &Output{
		Type:        module.CSS,
		Code:        in.Code,
		Map:         sourcemap.Identity(in.Path, in.Source, in.Code),
		SideEffects: true,
	}, nil
}

// scanCSS returns the @import requests of code and a copy of code with the
// rules blanked out. Newlines are kept so line mappings stay valid.
func scanCSS(code []byte) ([]byte, []module.Dependency) {
	matches := cssImport.FindAllSubmatchIndex(code, -1)
	if len(matches) == 0 {
		return code, nil
	}

	out := append([]byte(nil), code...)
	deps := make([]module.Dependency, 0, len(matches))
	for _, m := range matches {
		deps = append(deps, module.Dependency{
			Request: string(code[m[2]:m[3]]),
			Kind:    module.Static,
			Offset:  m[0],
		})
		for i := m[0]; i < m[1]; i++ {
			if out[i] != '\n' {
				out[i] = ' '
			}
		}
	}
	return out, deps
}
