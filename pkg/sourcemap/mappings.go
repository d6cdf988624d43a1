package sourcemap

import (
	"fmt"
	"sort"
	"strings"
)

// Segment is one decoded mapping. Source and Name are -1 when absent.
type Segment struct {
	GenColumn  int
	Source     int
	OrigLine   int
	OrigColumn int
	Name       int
}

// HasSource reports whether the segment points into an original source.
func (s Segment) HasSource() bool { return s.Source >= 0 }

// Mappings holds decoded segments indexed by generated line.
type Mappings [][]Segment

// DecodeMappings parses the "mappings" field of a version 3 source map.
func DecodeMappings(s string) (Mappings, error) {
	var (
		lines  Mappings
		line   []Segment
		src    int
		oLine  int
		oCol   int
		name   int
		genCol int
	)

	i := 0
	for i < len(s) {
		switch s[i] {
		case ';':
			lines = append(lines, line)
			line = nil
			genCol = 0
			i++
			continue
		case ',':
			i++
			continue
		}

		var fields [5]int
		n := 0
		for i < len(s) && s[i] != ',' && s[i] != ';' {
			if n == 5 {
				return nil, fmt.Errorf("sourcemap: line %d: segment has more than 5 fields", len(lines))
			}
			v, next, err := readVLQ(s, i)
			if err != nil {
				return nil, fmt.Errorf("sourcemap: line %d: %w", len(lines), err)
			}
			fields[n] = v
			n++
			i = next
		}

		seg := Segment{Source: -1, Name: -1}
		switch n {
		case 1, 4, 5:
		default:
			return nil, fmt.Errorf("sourcemap: line %d: segment has %d fields", len(lines), n)
		}
		genCol += fields[0]
		seg.GenColumn = genCol
		if n >= 4 {
			src += fields[1]
			oLine += fields[2]
			oCol += fields[3]
			seg.Source, seg.OrigLine, seg.OrigColumn = src, oLine, oCol
		}
		if n == 5 {
			name += fields[4]
			seg.Name = name
		}
		line = append(line, seg)
	}
	lines = append(lines, line)
	return lines, nil
}

// Encode serializes the mappings. Segments of each line are sorted by
// generated column first.
func (m Mappings) Encode() string {
	var (
		sb    strings.Builder
		src   int
		oLine int
		oCol  int
		name  int
	)

	for l, line := range m {
		if l > 0 {
			sb.WriteByte(';')
		}
		sort.SliceStable(line, func(i, j int) bool { return line[i].GenColumn < line[j].GenColumn })

		genCol := 0
		for i, seg := range line {
			if i > 0 {
				sb.WriteByte(',')
			}
			writeVLQ(&sb, seg.GenColumn-genCol)
			genCol = seg.GenColumn
			if !seg.HasSource() {
				continue
			}
			writeVLQ(&sb, seg.Source-src)
			writeVLQ(&sb, seg.OrigLine-oLine)
			writeVLQ(&sb, seg.OrigColumn-oCol)
			src, oLine, oCol = seg.Source, seg.OrigLine, seg.OrigColumn
			if seg.Name >= 0 {
				writeVLQ(&sb, seg.Name-name)
				name = seg.Name
			}
		}
	}
	return sb.String()
}

// Lookup finds the segment covering the generated position: the last segment
// on line whose generated column is <= column.
func (m Mappings) Lookup(line, column int) (Segment, bool) {
	if line < 0 || line >= len(m) {
		return Segment{}, false
	}
	segs := m[line]
	i := sort.Search(len(segs), func(i int) bool { return segs[i].GenColumn > column })
	if i == 0 {
		return Segment{}, false
	}
	return segs[i-1], true
}
