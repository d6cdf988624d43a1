package sourcemap

import "sort"

// Builder concatenates map fragments into one map. Sources and names are
// deduplicated; the first content seen for a source wins.
type Builder struct {
	sources     []string
	contents    []string
	sourceIndex map[string]int
	names       []string
	nameIndex   map[string]int
	lines       Mappings
}

func NewBuilder() *Builder {
	return &Builder{
		sourceIndex: map[string]int{},
		nameIndex:   map[string]int{},
	}
}

func (b *Builder) source(name, content string) int {
	if i, ok := b.sourceIndex[name]; ok {
		if b.contents[i] == "" {
			b.contents[i] = content
		}
		return i
	}
	b.sourceIndex[name] = len(b.sources)
	b.sources = append(b.sources, name)
	b.contents = append(b.contents, content)
	return len(b.sources) - 1
}

func (b *Builder) name(name string) int {
	if i, ok := b.nameIndex[name]; ok {
		return i
	}
	b.nameIndex[name] = len(b.names)
	b.names = append(b.names, name)
	return len(b.names) - 1
}

func (b *Builder) grow(lines int) {
	for len(b.lines) < lines {
		b.lines = append(b.lines, nil)
	}
}

// Add places fragment m so that its generated line 0, column 0 lands at
// (line, column) of the output. Only the fragment's first line is shifted by
// column.
func (b *Builder) Add(m *Map, line, column int) error {
	lines, err := m.Decode()
	if err != nil {
		return err
	}
	sources := make([]int, len(m.Sources))
	for i, src := range m.Sources {
		sources[i] = b.source(src, m.content(i))
	}
	names := make([]int, len(m.Names))
	for i, n := range m.Names {
		names[i] = b.name(n)
	}

	b.grow(line + len(lines))
	for l, segs := range lines {
		for _, seg := range segs {
			if seg.HasSource() && seg.Source >= len(sources) {
				continue
			}
			next := Segment{GenColumn: seg.GenColumn, Source: -1, Name: -1}
			if l == 0 {
				next.GenColumn += column
			}
			if seg.HasSource() {
				next.Source = sources[seg.Source]
				next.OrigLine, next.OrigColumn = seg.OrigLine, seg.OrigColumn
				if seg.Name >= 0 && seg.Name < len(names) {
					next.Name = names[seg.Name]
				}
			}
			b.lines[line+l] = append(b.lines[line+l], next)
		}
	}
	return nil
}

// Lines returns the number of generated lines known to the builder.
func (b *Builder) Lines() int { return len(b.lines) }

// Map returns the assembled map. It carries neither file nor sourceRoot.
func (b *Builder) Map() *Map {
	for _, segs := range b.lines {
		sort.SliceStable(segs, func(i, j int) bool { return segs[i].GenColumn < segs[j].GenColumn })
	}
	return &Map{
		Version:        3,
		Sources:        append([]string{}, b.sources...),
		SourcesContent: append([]string{}, b.contents...),
		Names:          append([]string{}, b.names...),
		Mappings:       b.lines.Encode(),
	}
}
