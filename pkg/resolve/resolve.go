// Package resolve implements node style module resolution on top of an
// afero filesystem.
package resolve

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"
)

var ErrNotFound = errors.New("resolve: module not found")

var DefaultExtensions = []string{".js", ".jsx", ".ts", ".tsx", ".mjs", ".cjs", ".json", ".css"}

// Resolver turns an import request into an absolute path (plus any query
// string the request carried).
type Resolver struct {
	Fs         afero.Fs
	Extensions []string
	// Modules lists directory names searched for bare requests, walking up
	// from the importer. Absolute entries are searched as is.
	Modules    []string
	MainFields []string
	Alias      map[string]string
}

func New(fs afero.Fs) *Resolver {
	return &Resolver{
		Fs:         fs,
		Extensions: DefaultExtensions,
		Modules:    []string{"node_modules"},
		MainFields: []string{"browser", "module", "main"},
	}
}

// Resolve resolves request relative to the directory dir.
func (r *Resolver) Resolve(dir, request string) (string, error) {
	name, query := splitQuery(request)
	name = r.alias(name)

	var (
		resolved string
		ok       bool
	)
	switch {
	case name == "":
		return "", fmt.Errorf("%w: empty request", ErrNotFound)
	case isRelative(name) || filepath.IsAbs(name):
		if !filepath.IsAbs(name) {
			name = filepath.Join(dir, name)
		}
		resolved, ok = r.load(filepath.Clean(name))
	default:
		resolved, ok = r.loadModule(dir, name)
	}
	if !ok {
		return "", fmt.Errorf("%w: %q from %s", ErrNotFound, request, dir)
	}
	return resolved + query, nil
}

// alias applies the longest matching alias prefix.
func (r *Resolver) alias(name string) string {
	keys := make([]string, 0, len(r.Alias))
	for k := range r.Alias {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return len(keys[i]) > len(keys[j]) })
	for _, from := range keys {
		to := r.Alias[from]
		if name == from {
			return to
		}
		if strings.HasPrefix(name, from+"/") {
			return to + name[len(from):]
		}
	}
	return name
}

func (r *Resolver) loadModule(dir, name string) (string, bool) {
	for _, m := range r.Modules {
		if filepath.IsAbs(m) {
			if p, ok := r.load(filepath.Join(m, name)); ok {
				return p, true
			}
			continue
		}
		for d := dir; ; {
			if p, ok := r.load(filepath.Join(d, m, name)); ok {
				return p, true
			}
			parent := filepath.Dir(d)
			if parent == d {
				break
			}
			d = parent
		}
	}
	return "", false
}

func (r *Resolver) load(name string) (string, bool) {
	if p, ok := r.loadFile(name); ok {
		return p, true
	}
	return r.loadDir(name)
}

func (r *Resolver) loadFile(name string) (string, bool) {
	if r.isFile(name) {
		return name, true
	}
	for _, ext := range r.Extensions {
		if r.isFile(name + ext) {
			return name + ext, true
		}
	}
	return "", false
}

func (r *Resolver) loadDir(name string) (string, bool) {
	st, err := r.Fs.Stat(name)
	if err != nil || !st.IsDir() {
		return "", false
	}

	if main := r.packageMain(name); main != "" {
		target := filepath.Join(name, main)
		if p, ok := r.loadFile(target); ok {
			return p, true
		}
		if p, ok := r.loadFile(filepath.Join(target, "index")); ok {
			return p, true
		}
	}
	return r.loadFile(filepath.Join(name, "index"))
}

// packageMain reads the first string main field of dir/package.json.
func (r *Resolver) packageMain(dir string) string {
	data, err := afero.ReadFile(r.Fs, filepath.Join(dir, "package.json"))
	if err != nil {
		return ""
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &fields); err != nil {
		return ""
	}
	for _, f := range r.MainFields {
		raw, ok := fields[f]
		if !ok {
			continue
		}
		var main string
		if json.Unmarshal(raw, &main) == nil && main != "" {
			return main
		}
	}
	return ""
}

func (r *Resolver) isFile(name string) bool {
	st, err := r.Fs.Stat(name)
	if err != nil {
		return false
	}
	return !st.IsDir()
}

func isRelative(name string) bool {
	return name == "." || name == ".." || strings.HasPrefix(name, "./") || strings.HasPrefix(name, "../")
}

func splitQuery(request string) (string, string) {
	if i := strings.IndexByte(request, '?'); i >= 0 {
		return request[:i], request[i:]
	}
	return request, ""
}
