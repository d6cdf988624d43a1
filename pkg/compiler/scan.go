package compiler

import (
	"bytes"
	"context"
	"errors"
	"regexp"
	"strings"
	"sync"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/javascript"

	"github.com/coldog/bld/pkg/module"
)

// DynamicImport replaces the import keyword of dynamic imports. It has the
// same length so rewriting keeps every column in place.
const DynamicImport = "__imp_"

// urlBase stands in for import.meta.url. The runtime sets it to the document
// base, or the output directory under node.
const urlBase = "require.b"

var moduleSyntax = regexp.MustCompile(`\b(?:import|export)\b`)

var chunkNameComment = regexp.MustCompile(`(?:webpackChunkName|chunkName)\s*:\s*["']([^"']+)["']`)

var parsers = sync.Pool{
	New: func() interface{} {
		p := sitter.NewParser()
		p.SetLanguage(javascript.GetLanguage())
		return p
	},
}

type scanResult struct {
	Code         []byte
	Dependencies []module.Dependency
	Hot          module.Hot
}

// scanJS finds the requests of a CommonJS module: require calls, import and
// export declarations, dynamic imports, weak requires, asset URLs and hot
// accept calls. Dynamic imports and asset URLs with a literal request are
// rewritten in place in the returned copy of code.
func scanJS(ctx context.Context, path string, code []byte) (*scanResult, error) {
	parser := parsers.Get().(*sitter.Parser)
	defer parsers.Put(parser)

	tree, err := parser.ParseCtx(ctx, nil, code)
	if err != nil {
		return nil, &TransformError{Module: path, Err: err}
	}
	defer tree.Close()

	root := tree.RootNode()
	if root.HasError() {
		return nil, syntaxError(path, root)
	}

	res := &scanResult{Code: append([]byte(nil), code...)}
	seen := map[module.Dependency]bool{}
	add := func(d module.Dependency) {
		key := module.Dependency{Request: d.Request, Kind: d.Kind}
		if seen[key] {
			return
		}
		seen[key] = true
		res.Dependencies = append(res.Dependencies, d)
	}

	stack := []*sitter.Node{root}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		switch n.Type() {
		case "import_statement", "export_statement":
			if src := n.ChildByFieldName("source"); src != nil {
				if req, ok := literal(src, code); ok {
					add(module.Dependency{Request: req, Kind: module.Static, Offset: int(src.StartByte())})
				}
			}
		case "call_expression":
			scanCall(n, code, res, add)
		case "new_expression":
			scanURL(n, code, res, add)
		}

		for i := int(n.NamedChildCount()) - 1; i >= 0; i-- {
			stack = append(stack, n.NamedChild(i))
		}
	}
	return res, nil
}

func scanCall(n *sitter.Node, code []byte, res *scanResult, add func(module.Dependency)) {
	fn := n.ChildByFieldName("function")
	args := n.ChildByFieldName("arguments")
	if fn == nil || args == nil {
		return
	}
	first, hint := firstArgument(args, code)

	switch fn.Type() {
	case "import":
		req, ok := literal(first, code)
		if !ok {
			return
		}
		start := int(fn.StartByte())
		copy(res.Code[start:start+len(DynamicImport)], DynamicImport)
		add(module.Dependency{Request: req, Kind: module.Dynamic, ChunkName: hint, Offset: start})
	case "identifier":
		if fn.Content(code) != "require" {
			return
		}
		if req, ok := literal(first, code); ok {
			add(module.Dependency{Request: req, Kind: module.Static, Offset: int(first.StartByte())})
		}
	case "member_expression":
		switch fn.Content(code) {
		case "require.resolveWeak":
			if req, ok := literal(first, code); ok {
				add(module.Dependency{Request: req, Kind: module.Weak, Offset: int(first.StartByte())})
			}
		case "module.hot.accept":
			accepts := requests(first, code)
			if len(accepts) == 0 {
				res.Hot.SelfAccept = true
			}
			res.Hot.Accepts = append(res.Hot.Accepts, accepts...)
		case "module.hot.decline":
			res.Hot.Decline = true
		}
	}
}

// scanURL handles new URL("./file", import.meta.url). The constructor becomes
// require, which returns a URL when given a base, and the base becomes
// urlBase. Both are padded with spaces to keep their length.
func scanURL(n *sitter.Node, code []byte, res *scanResult, add func(module.Dependency)) {
	ctor := n.ChildByFieldName("constructor")
	args := n.ChildByFieldName("arguments")
	if ctor == nil || args == nil || ctor.Content(code) != "URL" || args.NamedChildCount() != 2 {
		return
	}
	first, base := args.NamedChild(0), args.NamedChild(1)
	req, ok := literal(first, code)
	if !ok || req == "" || strings.Contains(req, ":") {
		return
	}
	switch base.Content(code) {
	case "import.meta.url", urlBase:
	default:
		return
	}

	head := res.Code[n.StartByte():ctor.EndByte()]
	tail := res.Code[base.StartByte():base.EndByte()]
	if bytes.IndexByte(head, '\n') >= 0 || len(head) < len("require") {
		return
	}
	fill(head, "require")
	fill(tail, urlBase)
	add(module.Dependency{Request: req, Kind: module.Static, Offset: int(first.StartByte())})
}

func fill(dst []byte, s string) {
	n := copy(dst, s)
	for i := n; i < len(dst); i++ {
		dst[i] = ' '
	}
}

// isModule reports whether code uses module syntax: import or export
// declarations at the top level, or import.meta anywhere. Code that fails to
// parse is left for the scanner to report.
func isModule(ctx context.Context, code []byte) bool {
	if !moduleSyntax.Match(code) {
		return false
	}
	parser := parsers.Get().(*sitter.Parser)
	defer parsers.Put(parser)

	tree, err := parser.ParseCtx(ctx, nil, code)
	if err != nil {
		return false
	}
	defer tree.Close()

	root := tree.RootNode()
	for i := 0; i < int(root.NamedChildCount()); i++ {
		switch root.NamedChild(i).Type() {
		case "import_statement", "export_statement":
			return true
		}
	}
	stack := []*sitter.Node{root}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n.Type() == "meta_property" && n.Content(code) == "import.meta" {
			return true
		}
		for i := int(n.NamedChildCount()) - 1; i >= 0; i-- {
			stack = append(stack, n.NamedChild(i))
		}
	}
	return false
}

// firstArgument returns the first non-comment argument and the chunk name
// hint of any comment before it.
func firstArgument(args *sitter.Node, code []byte) (*sitter.Node, string) {
	var hint string
	for i := 0; i < int(args.NamedChildCount()); i++ {
		c := args.NamedChild(i)
		if c.Type() != "comment" {
			return c, hint
		}
		if m := chunkNameComment.FindStringSubmatch(c.Content(code)); m != nil {
			hint = m[1]
		}
	}
	return nil, hint
}

// requests returns the string literals of a hot accept argument, either a
// single string or an array of strings.
func requests(n *sitter.Node, code []byte) []string {
	if n == nil {
		return nil
	}
	if req, ok := literal(n, code); ok {
		return []string{req}
	}
	if n.Type() != "array" {
		return nil
	}
	var out []string
	for i := 0; i < int(n.NamedChildCount()); i++ {
		if req, ok := literal(n.NamedChild(i), code); ok {
			out = append(out, req)
		}
	}
	return out
}

// literal returns the value of a string literal or a template string without
// substitutions.
func literal(n *sitter.Node, code []byte) (string, bool) {
	if n == nil {
		return "", false
	}
	switch n.Type() {
	case "string":
	case "template_string":
		for i := 0; i < int(n.NamedChildCount()); i++ {
			if n.NamedChild(i).Type() == "template_substitution" {
				return "", false
			}
		}
	default:
		return "", false
	}
	s := n.Content(code)
	if len(s) < 2 {
		return "", false
	}
	return s[1 : len(s)-1], true
}

func syntaxError(path string, root *sitter.Node) error {
	stack := []*sitter.Node{root}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n.Type() == "ERROR" || n.IsMissing() {
			p := n.StartPoint()
			return &TransformError{
				Module: path,
				Line:   int(p.Row) + 1,
				Column: int(p.Column),
				Err:    errors.New("syntax error"),
			}
		}
		for i := int(n.ChildCount()) - 1; i >= 0; i-- {
			stack = append(stack, n.Child(i))
		}
	}
	return &TransformError{Module: path, Err: errors.New("syntax error")}
}
