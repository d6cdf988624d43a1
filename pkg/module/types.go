// Package module holds the module graph: an arena of transformed modules
// keyed by stable IDs with dependency edges stored as ID lists.
package module

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/cespare/xxhash/v2"

	"github.com/coldog/bld/pkg/sourcemap"
)

// ID identifies a module. It is derived from the context relative identity so
// it is the same across builds and machines.
type ID uint64

func IDOf(name string) ID { return ID(xxhash.Sum64String(name)) }

func (id ID) String() string { return strconv.FormatUint(uint64(id), 36) }

type Type string

const (
	JavaScript Type = "javascript"
	CSS        Type = "css"
	Asset      Type = "asset"
)

// Kind is the load semantics of an edge.
type Kind int

const (
	Static Kind = iota
	Dynamic
	// Weak edges are for tooling only and never affect chunk placement.
	Weak
)

func (k Kind) String() string {
	switch k {
	case Static:
		return "static"
	case Dynamic:
		return "dynamic"
	case Weak:
		return "weak"
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

type Dependency struct {
	Request string
	Kind    Kind
	// ChunkName is the name hint of a dynamic import, if any.
	ChunkName string
	// Offset is the byte offset of the reference in the transformed code.
	Offset int

	// Resolved and Target are filled in by the graph. Target is zero when the
	// request could not be resolved.
	Resolved string
	Target   ID
}

// Hot is the hot update metadata a module declares about itself.
type Hot struct {
	SelfAccept bool
	Accepts    []string
	Decline    bool
}

// File is an extra output produced while transforming a module (an asset).
type File struct {
	Name    string
	Content []byte
}

// Module is immutable once it is in the graph; re-transforming replaces it
// with a new value carrying the same ID.
type Module struct {
	ID ID
	// Identity is the resolved absolute path plus query.
	Identity string
	// Name is Identity relative to the build context, "./src/a.js".
	Name  string
	Path  string
	Query string
	Type  Type

	Source       []byte
	Code         []byte
	Map          *sourcemap.Map
	Dependencies []Dependency
	SideEffects  bool
	Hot          Hot
	Files        []File
	Version      int

	// Problems are resolution failures of this module's own requests.
	Problems []error
}

func (m *Module) Size() int { return len(m.Code) }

// Transformed is what a Transformer hands back for one module.
type Transformed struct {
	Type         Type
	Code         []byte
	Source       []byte
	Map          *sourcemap.Map
	Dependencies []Dependency
	SideEffects  bool
	Hot          Hot
	Files        []File
}

// Transformer loads and transforms the module at path.
type Transformer interface {
	Transform(ctx context.Context, path, query string) (*Transformed, error)
}

// Resolver resolves request from the directory dir to an absolute path with
// an optional query suffix.
type Resolver interface {
	Resolve(dir, request string) (string, error)
}

// ResolutionError reports a request that could not be resolved.
type ResolutionError struct {
	// From is the identity of the importing module, empty for entries.
	From    string
	Request string
	Err     error
}

func (e *ResolutionError) Error() string {
	if e.From == "" {
		return fmt.Sprintf("resolve entry %q: %v", e.Request, e.Err)
	}
	return fmt.Sprintf("resolve %q from %s: %v", e.Request, e.From, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

var ErrUnknownModule = errors.New("module: unknown module")
