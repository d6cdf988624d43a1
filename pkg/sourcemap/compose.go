package sourcemap

import "fmt"

// Compose merges a chain of maps into one. chain[0] is the earliest
// transformation (its sources are the originals) and the last element maps the
// final generated code. Positions are traced back through every step; a
// segment that has no counterpart in an earlier step is dropped.
func Compose(chain ...*Map) (*Map, error) {
	if len(chain) == 0 {
		return nil, fmt.Errorf("sourcemap: nothing to compose")
	}
	result := chain[len(chain)-1]
	for i := len(chain) - 2; i >= 0; i-- {
		var err error
		result, err = compose(result, chain[i])
		if err != nil {
			return nil, err
		}
	}
	return result, nil
}

// compose applies inner (intermediate -> original) beneath outer
// (generated -> intermediate).
func compose(outer, inner *Map) (*Map, error) {
	outerLines, err := outer.Decode()
	if err != nil {
		return nil, fmt.Errorf("sourcemap: outer: %w", err)
	}
	innerLines, err := inner.Decode()
	if err != nil {
		return nil, fmt.Errorf("sourcemap: inner: %w", err)
	}

	b := NewBuilder()
	out := make(Mappings, len(outerLines))
	for l, line := range outerLines {
		for _, seg := range line {
			if !seg.HasSource() {
				continue
			}
			found, ok := innerLines.Lookup(seg.OrigLine, seg.OrigColumn)
			if !ok || !found.HasSource() || found.Source >= len(inner.Sources) {
				continue
			}

			next := Segment{
				GenColumn:  seg.GenColumn,
				Source:     b.source(inner.Sources[found.Source], inner.content(found.Source)),
				OrigLine:   found.OrigLine,
				OrigColumn: found.OrigColumn + seg.OrigColumn - found.GenColumn,
				Name:       -1,
			}
			switch {
			case found.Name >= 0 && found.Name < len(inner.Names):
				next.Name = b.name(inner.Names[found.Name])
			case seg.Name >= 0 && seg.Name < len(outer.Names):
				next.Name = b.name(outer.Names[seg.Name])
			}
			out[l] = append(out[l], next)
		}
	}
	b.lines = out
	return b.Map(), nil
}
