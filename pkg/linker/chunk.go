package linker

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/coldog/bld/pkg/graph"
	"github.com/coldog/bld/pkg/module"
	"github.com/coldog/bld/pkg/sourcemap"
	"github.com/coldog/bld/pkg/split"
)

// Header is the first line of every chunk file. The Go runtime reads it to
// learn which modules a file registers.
const Header = "/* bld:chunk "

type AssetKind string

const (
	JSAsset       AssetKind = "js"
	CSSAsset      AssetKind = "css"
	MapAsset      AssetKind = "map"
	FileAsset     AssetKind = "file"
	ManifestAsset AssetKind = "manifest"
)

// Asset is one output file.
type Asset struct {
	Filename    string
	Kind        AssetKind
	ChunkID     string
	ContentHash string
	Content     []byte
}

type renderedChunk struct {
	chunk  *split.Chunk
	js     *Asset
	jsMap  *Asset
	css    *Asset
	cssMap *Asset
}

func (rc *renderedChunk) assets() []*Asset {
	var out []*Asset
	for _, a := range []*Asset{rc.js, rc.jsMap, rc.css, rc.cssMap} {
		if a != nil {
			out = append(out, a)
		}
	}
	return out
}

func (rc *renderedChunk) files() []string {
	files := []string{}
	if rc.css != nil {
		files = append(files, rc.css.Filename)
	}
	if rc.js != nil {
		files = append(files, rc.js.Filename)
	}
	return files
}

// ChunkInfo is the JSON payload of a chunk header.
type ChunkInfo struct {
	ID      string   `json:"id"`
	Modules []string `json:"modules"`
}

// output accumulates a file while counting lines so module code can be
// placed in the source map.
type output struct {
	buf   bytes.Buffer
	lines int
	maps  *sourcemap.Builder
}

func (o *output) write(s string) {
	o.buf.WriteString(s)
	o.lines += strings.Count(s, "\n")
}

// code writes module code starting on a fresh line and ending with a
// newline, and records its map at that line.
func (o *output) code(m *module.Module, context string) error {
	if o.maps != nil {
		fragment := m.Map
		if fragment == nil {
			fragment = sourcemap.Identity(m.Name, m.Code, m.Code)
		}
		if err := o.maps.Add(sourcemap.Normalize(fragment, context), o.lines, 0); err != nil {
			return fmt.Errorf("%s: %w", m.Name, err)
		}
	}
	o.buf.Write(m.Code)
	o.lines += bytes.Count(m.Code, []byte{'\n'})
	if len(m.Code) == 0 || m.Code[len(m.Code)-1] != '\n' {
		o.write("\n")
	}
	return nil
}

func (l *linker) render(c *split.Chunk) (*renderedChunk, error) {
	rc := &renderedChunk{chunk: c}

	order := graph.TopoSort(c.Order(), func(id module.ID) []module.ID {
		var deps []module.ID
		for _, dep := range l.graph.Module(id).Dependencies {
			if dep.Kind == module.Static && c.Has(dep.Target) {
				deps = append(deps, dep.Target)
			}
		}
		return deps
	})

	var scripts, styles []*module.Module
	for _, id := range order {
		m := l.graph.Module(id)
		if m.Type == module.CSS {
			styles = append(styles, m)
		} else {
			scripts = append(scripts, m)
		}
	}

	if len(styles) > 0 {
		if err := l.renderCSS(rc, styles); err != nil {
			return nil, err
		}
	}

	var manifest map[string][]string
	if c.Entry {
		l.mu.Lock()
		l.chunks[c.ID] = rc
		l.mu.Unlock()

		manifest = map[string][]string{}
		for _, g := range l.manifestGroups(c) {
			manifest[g.ID] = l.groupFiles(g, c)
		}
	}
	if len(scripts) > 0 || c.Entry {
		if err := l.renderJS(rc, scripts, manifest); err != nil {
			return nil, err
		}
	}
	return rc, nil
}

func (l *linker) header(c *split.Chunk, mods []*module.Module) (string, error) {
	info := ChunkInfo{ID: c.ID, Modules: make([]string, len(mods))}
	for i, m := range mods {
		info.Modules[i] = m.ID.String()
	}
	data, err := json.Marshal(info)
	if err != nil {
		return "", err
	}
	return Header + string(data) + " */\n", nil
}

func (l *linker) newOutput() *output {
	o := &output{}
	if l.opts.SourceMap {
		o.maps = sourcemap.NewBuilder()
	}
	return o
}

func (l *linker) renderJS(rc *renderedChunk, mods []*module.Module, manifest map[string][]string) error {
	c := rc.chunk
	o := l.newOutput()

	header, err := l.header(c, mods)
	if err != nil {
		return err
	}
	o.write(header)

	if manifest != nil {
		rt, err := renderRuntime(runtimeOptions{
			Manifest:   manifest,
			PublicPath: l.opts.PublicPath,
			Target:     l.opts.Target,
			HotURL:     l.opts.HotURL,
		})
		if err != nil {
			return err
		}
		o.write(rt)
	}

	o.write(fmt.Sprintf("(globalThis.__bld = globalThis.__bld || []).push([%s, {\n", strconv.Quote(c.ID)))
	for i, m := range mods {
		requires, imports := ModuleTables(l.graph, l.split, m)
		req, err := json.Marshal(requires)
		if err != nil {
			return err
		}
		imp, err := json.Marshal(imports)
		if err != nil {
			return err
		}
		o.write(fmt.Sprintf("%s: [%s, %s, function (module, exports, require, __imp_) {\n", strconv.Quote(m.ID.String()), req, imp))
		if err := o.code(m, l.opts.Context); err != nil {
			return err
		}
		if i < len(mods)-1 {
			o.write("}],\n")
		} else {
			o.write("}]\n")
		}
	}
	o.write("}]);\n")

	if manifest != nil {
		for _, g := range c.Groups {
			if g.Kind == split.Entry {
				o.write(fmt.Sprintf("globalThis.__bld_runtime__.start(%s, %s);\n", strconv.Quote(g.ID), strconv.Quote(g.Root.String())))
			}
		}
	}

	tpl := l.opts.ChunkFilename
	if c.Entry {
		tpl = l.opts.Filename
	}
	rc.js, rc.jsMap, err = l.finish(o, c, tpl, ".js", JSAsset, "//# sourceMappingURL=%s\n")
	return err
}

func (l *linker) renderCSS(rc *renderedChunk, mods []*module.Module) error {
	c := rc.chunk
	o := l.newOutput()

	header, err := l.header(c, mods)
	if err != nil {
		return err
	}
	o.write(header)
	for _, m := range mods {
		if err := o.code(m, l.opts.Context); err != nil {
			return err
		}
	}

	rc.css, rc.cssMap, err = l.finish(o, c, l.cssTemplate(c), ".css", CSSAsset, "/*# sourceMappingURL=%s */\n")
	return err
}

// finish hashes the content, names the file and appends the map reference.
func (l *linker) finish(o *output, c *split.Chunk, tpl, ext string, kind AssetKind, trailer string) (*Asset, *Asset, error) {
	content := o.buf.Bytes()
	hash := fmt.Sprintf("%016x", xxhash.Sum64(content))
	a := &Asset{
		Filename:    renderTemplate(tpl, c, hash, ext),
		Kind:        kind,
		ChunkID:     c.ID,
		ContentHash: hash,
	}
	if o.maps == nil {
		a.Content = content
		return a, nil, nil
	}

	data, err := o.maps.Map().Bytes()
	if err != nil {
		return nil, nil, err
	}
	m := &Asset{
		Filename:    a.Filename + ".map",
		Kind:        MapAsset,
		ChunkID:     c.ID,
		ContentHash: fmt.Sprintf("%016x", xxhash.Sum64(data)),
		Content:     data,
	}
	a.Content = append(append([]byte(nil), content...), fmt.Sprintf(trailer, path.Base(m.Filename))...)
	return a, m, nil
}

func (l *linker) cssTemplate(c *split.Chunk) string {
	if l.opts.CSSFilename != "" {
		return l.opts.CSSFilename
	}
	tpl := l.opts.ChunkFilename
	if c.Entry {
		tpl = l.opts.Filename
	}
	if strings.HasSuffix(tpl, ".js") {
		return strings.TrimSuffix(tpl, ".js") + ".css"
	}
	return tpl
}

var placeholder = regexp.MustCompile(`\[(name|id|contenthash|ext)(?::(\d+))?\]`)

// renderTemplate fills [name], [id], [contenthash], [contenthash:N] and
// [ext]. Chunks without a name use their id.
func renderTemplate(tpl string, c *split.Chunk, hash, ext string) string {
	return placeholder.ReplaceAllStringFunc(tpl, func(s string) string {
		m := placeholder.FindStringSubmatch(s)
		switch m[1] {
		case "name":
			if c.Name != "" {
				return c.Name
			}
			return c.ID
		case "id":
			return c.ID
		case "ext":
			return ext
		}
		if m[2] != "" {
			if n, err := strconv.Atoi(m[2]); err == nil && n < len(hash) {
				return hash[:n]
			}
		}
		return hash
	})
}

// ModuleTables returns the request tables the runtime resolves a module's
// require and dynamic import calls with. Stylesheets map to null; dynamic
// requests map to their chunk group and target module.
func ModuleTables(g Graph, res *split.Result, m *module.Module) (map[string]interface{}, map[string][2]string) {
	requires := map[string]interface{}{}
	imports := map[string][2]string{}
	for _, dep := range m.Dependencies {
		if dep.Target == 0 {
			continue
		}
		t := g.Module(dep.Target)
		if t == nil {
			continue
		}
		switch dep.Kind {
		case module.Static, module.Weak:
			if t.Type == module.CSS {
				requires[dep.Request] = nil
			} else {
				requires[dep.Request] = t.ID.String()
			}
		case module.Dynamic:
			if res == nil {
				continue
			}
			if group := res.AsyncGroup(dep); group != nil {
				imports[dep.Request] = [2]string{group.ID, t.ID.String()}
			}
		}
	}
	return requires, imports
}
