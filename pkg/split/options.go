package split

import (
	"fmt"
	"regexp"
	"sort"

	"github.com/hashicorp/go-multierror"

	"github.com/coldog/bld/pkg/module"
)

// Threshold policies compare a module's reaching count with MinShared.
const (
	ThresholdGTE = "gte"
	ThresholdGT  = "gt"
)

// Tie-break policies order cache groups of equal priority.
const (
	TieBreakDeclaration = "declaration"
	TieBreakName        = "name"
)

// Chunk selections of a cache group.
const (
	ChunksAll     = "all"
	ChunksInitial = "initial"
	ChunksAsync   = "async"
)

// CacheGroup is a splitting rule. The zero values of MinShared and MinSize
// fall back to the Options values.
type CacheGroup struct {
	Name      string      `mapstructure:"name" yaml:"name"`
	Test      string      `mapstructure:"test" yaml:"test,omitempty"`
	Type      module.Type `mapstructure:"type" yaml:"type,omitempty"`
	Chunks    string      `mapstructure:"chunks" yaml:"chunks,omitempty"`
	Priority  int         `mapstructure:"priority" yaml:"priority,omitempty"`
	MinShared int         `mapstructure:"minShared" yaml:"minShared,omitempty"`
	MinSize   int         `mapstructure:"minSize" yaml:"minSize,omitempty"`
	Enforce   bool        `mapstructure:"enforce" yaml:"enforce,omitempty"`
}

type Options struct {
	MinShared     int          `mapstructure:"minShared" yaml:"minShared"`
	MinSize       int          `mapstructure:"minSize" yaml:"minSize"`
	ThresholdMode string       `mapstructure:"thresholdMode" yaml:"thresholdMode"`
	TieBreak      string       `mapstructure:"tieBreak" yaml:"tieBreak"`
	CacheGroups   []CacheGroup `mapstructure:"cacheGroups" yaml:"cacheGroups"`
	// SeparateTypes gives every module of these types its own enforced
	// cache group named after the type.
	SeparateTypes []module.Type `mapstructure:"-" yaml:"-"`
}

func DefaultOptions() Options {
	return Options{
		MinShared:     2,
		ThresholdMode: ThresholdGTE,
		TieBreak:      TieBreakDeclaration,
	}
}

// ConfigError is an invalid splitting configuration.
type ConfigError struct {
	Group  string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Group == "" {
		return "split config: " + e.Reason
	}
	return fmt.Sprintf("split config: cache group %q: %s", e.Group, e.Reason)
}

// Validate reports every problem of opts, not only the first.
func Validate(opts Options) error {
	_, err := compile(opts)
	return err
}

type rule struct {
	CacheGroup
	test  *regexp.Regexp
	index int
}

// compile validates opts and returns the cache groups in evaluation order.
func compile(opts Options) ([]rule, error) {
	var errs *multierror.Error
	bad := func(group, format string, args ...interface{}) {
		errs = multierror.Append(errs, &ConfigError{Group: group, Reason: fmt.Sprintf(format, args...)})
	}

	switch opts.ThresholdMode {
	case "", ThresholdGTE, ThresholdGT:
	default:
		bad("", "unknown threshold mode %q", opts.ThresholdMode)
	}
	switch opts.TieBreak {
	case "", TieBreakDeclaration, TieBreakName:
	default:
		bad("", "unknown tie-break %q", opts.TieBreak)
	}
	if opts.MinShared < 0 {
		bad("", "negative minShared %d", opts.MinShared)
	}
	if opts.MinSize < 0 {
		bad("", "negative minSize %d", opts.MinSize)
	}

	groups := append([]CacheGroup(nil), opts.CacheGroups...)
	declared := map[string]bool{}
	for _, cg := range groups {
		declared[cg.Name] = true
	}
	for _, t := range opts.SeparateTypes {
		if !declared[string(t)] {
			groups = append(groups, CacheGroup{Name: string(t), Type: t, Enforce: true})
		}
	}

	rules := make([]rule, 0, len(groups))
	named := map[string]CacheGroup{}
	for i, cg := range groups {
		label := cg.Name
		if label == "" {
			label = fmt.Sprintf("#%d", i)
		}
		if prev, ok := named[cg.Name]; ok && cg.Name != "" {
			if prev.Enforce != cg.Enforce || prev.Priority != cg.Priority {
				bad(label, "shares its name with a group of different enforce or priority")
			} else if prev == cg {
				bad(label, "declared twice")
			}
		}
		if cg.Name != "" {
			named[cg.Name] = cg
		}

		switch cg.Chunks {
		case "", ChunksAll, ChunksInitial, ChunksAsync:
		default:
			bad(label, "unknown chunks value %q", cg.Chunks)
		}
		switch cg.Type {
		case "", module.JavaScript, module.CSS, module.Asset:
		default:
			bad(label, "unknown module type %q", cg.Type)
		}
		if cg.MinShared < 0 {
			bad(label, "negative minShared %d", cg.MinShared)
		}
		if cg.MinSize < 0 {
			bad(label, "negative minSize %d", cg.MinSize)
		}

		r := rule{CacheGroup: cg, index: i}
		if r.Chunks == "" {
			r.Chunks = ChunksAll
		}
		if r.MinShared == 0 {
			r.MinShared = opts.MinShared
		}
		if r.MinSize == 0 {
			r.MinSize = opts.MinSize
		}
		if cg.Test != "" {
			re, err := regexp.Compile(cg.Test)
			if err != nil {
				bad(label, "invalid test: %v", err)
			}
			r.test = re
		}
		rules = append(rules, r)
	}
	if err := errs.ErrorOrNil(); err != nil {
		return nil, err
	}

	byName := opts.TieBreak == TieBreakName
	sort.SliceStable(rules, func(i, j int) bool {
		a, b := rules[i], rules[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if byName && a.Name != b.Name {
			return a.Name < b.Name
		}
		return a.index < b.index
	})
	return rules, nil
}

// accepts reports whether n reaching groups pass the rule's threshold.
func (r *rule) accepts(n, size int, mode string) bool {
	if r.Enforce {
		return true
	}
	if size < r.MinSize {
		return false
	}
	if mode == ThresholdGT {
		return n > r.MinShared
	}
	return n >= r.MinShared
}
