// Package sourcemap reads, writes, concatenates and composes version 3 source
// maps. It knows nothing about bundles; callers feed it fragments and the
// generated positions at which the matching code ended up.
package sourcemap

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
)

// Map is the JSON form of a version 3 source map.
type Map struct {
	Version        int      `json:"version"`
	File           string   `json:"file,omitempty"`
	SourceRoot     string   `json:"sourceRoot,omitempty"`
	Sources        []string `json:"sources"`
	SourcesContent []string `json:"sourcesContent,omitempty"`
	Names          []string `json:"names"`
	Mappings       string   `json:"mappings"`
}

// Parse decodes a JSON source map.
func Parse(data []byte) (*Map, error) {
	m := &Map{}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("sourcemap: %w", err)
	}
	if m.Version != 0 && m.Version != 3 {
		return nil, fmt.Errorf("sourcemap: unsupported version %d", m.Version)
	}
	m.Version = 3
	return m, nil
}

// Bytes encodes the map as JSON.
func (m *Map) Bytes() ([]byte, error) {
	out := *m
	if out.Sources == nil {
		out.Sources = []string{}
	}
	if out.Names == nil {
		out.Names = []string{}
	}
	return json.Marshal(&out)
}

// Decode returns the decoded mappings.
func (m *Map) Decode() (Mappings, error) {
	return DecodeMappings(m.Mappings)
}

func (m *Map) content(i int) string {
	if i < len(m.SourcesContent) {
		return m.SourcesContent[i]
	}
	return ""
}

// Identity returns a line-granular map where every line of code maps onto the
// same line of source.
func Identity(source string, content, code []byte) *Map {
	n := bytes.Count(code, []byte{'\n'}) + 1
	lines := make(Mappings, n)
	for i := range lines {
		lines[i] = []Segment{{Source: 0, OrigLine: i, Name: -1}}
	}
	return &Map{
		Version:        3,
		Sources:        []string{source},
		SourcesContent: []string{string(content)},
		Mappings:       lines.Encode(),
	}
}

// Normalize returns a copy of m without staging metadata: sourceRoot is folded
// into the sources and dropped, file is dropped, and absolute sources inside
// context are rewritten relative to it ("./dir/file.js").
func Normalize(m *Map, context string) *Map {
	out := &Map{
		Version:        3,
		Sources:        make([]string, len(m.Sources)),
		SourcesContent: append([]string(nil), m.SourcesContent...),
		Names:          append([]string(nil), m.Names...),
		Mappings:       m.Mappings,
	}
	for i, src := range m.Sources {
		if m.SourceRoot != "" && !isAbsolute(src) {
			src = strings.TrimSuffix(m.SourceRoot, "/") + "/" + src
		}
		out.Sources[i] = relativeSource(src, context)
	}
	return out
}

func isAbsolute(src string) bool {
	return filepath.IsAbs(src) || strings.HasPrefix(src, "/") || strings.Contains(src, "://")
}

func relativeSource(src, context string) string {
	if context == "" || !filepath.IsAbs(src) {
		return src
	}
	rel, err := filepath.Rel(context, src)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return src
	}
	return "./" + filepath.ToSlash(rel)
}
