// Package runtime models the chunk loader that entry chunks embed: per file
// load states, coalesced loads, retry after failure and hot update
// application. Tooling, server side rendering and tests use it to load a
// build the way the generated runtime does.
package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/coldog/bld/pkg/linker"
)

type State int

const (
	Registered State = iota
	Loading
	Loaded
	Failed
)

func (s State) String() string {
	switch s {
	case Registered:
		return "registered"
	case Loading:
		return "loading"
	case Loaded:
		return "loaded"
	case Failed:
		return "failed"
	}
	return "state(" + strconv.Itoa(int(s)) + ")"
}

var ErrUnknownGroup = errors.New("runtime: unknown chunk group")

// LoadError is a failed fetch or execution of one file. Loading the file
// again retries it.
type LoadError struct {
	File string
	Err  error
}

func (e *LoadError) Error() string { return fmt.Sprintf("load %s: %v", e.File, e.Err) }

func (e *LoadError) Unwrap() error { return e.Err }

type file struct {
	state   State
	err     error
	modules []string
}

// Loader loads the files of chunk groups listed in a manifest.
type Loader struct {
	fetcher  Fetcher
	manifest *linker.Manifest

	mu       sync.Mutex
	files    map[string]*file
	modules  map[string]string
	inflight singleflight.Group
}

func NewLoader(f Fetcher, m *linker.Manifest) *Loader {
	l := &Loader{
		fetcher:  f,
		manifest: m,
		files:    map[string]*file{},
		modules:  map[string]string{},
	}
	for _, files := range m.Groups {
		for _, name := range files {
			l.files[name] = &file{state: Registered}
		}
	}
	return l
}

// State returns the state of file. Files the manifest does not list are
// Registered.
func (l *Loader) State(name string) State {
	l.mu.Lock()
	defer l.mu.Unlock()
	if f, ok := l.files[name]; ok {
		return f.state
	}
	return Registered
}

// Loaded reports whether a loaded file registered module id.
func (l *Loader) Loaded(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.modules[id]
	return ok
}

// Ensure loads every file of group and returns the modules they register,
// sorted. Files already loaded are not fetched again.
func (l *Loader) Ensure(ctx context.Context, group string) ([]string, error) {
	files, ok := l.manifest.Groups[group]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownGroup, group)
	}

	results := make([][]string, len(files))
	eg, ctx := errgroup.WithContext(ctx)
	for i, name := range files {
		i, name := i, name
		eg.Go(func() error {
			mods, err := l.Load(ctx, name)
			results[i] = mods
			return err
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	var out []string
	for _, mods := range results {
		out = append(out, mods...)
	}
	sort.Strings(out)
	return out, nil
}

// Load loads one file. Concurrent loads of a file share one fetch. The fetch
// runs detached from the caller's cancellation, so a caller giving up does not
// fail the others; each caller waits only as long as its own ctx allows.
func (l *Loader) Load(ctx context.Context, name string) ([]string, error) {
	l.mu.Lock()
	f := l.file(name)
	if f.state == Loaded {
		mods := f.modules
		l.mu.Unlock()
		return mods, nil
	}
	l.mu.Unlock()

	fetchCtx := context.WithoutCancel(ctx)
	ch := l.inflight.DoChan(name, func() (interface{}, error) {
		l.mu.Lock()
		f := l.file(name)
		if f.state == Loaded {
			l.mu.Unlock()
			return f.modules, nil
		}
		f.state, f.err = Loading, nil
		l.mu.Unlock()

		log.Debug().Str("file", name).Msg("runtime: loading")
		mods, err := l.fetch(fetchCtx, name)

		l.mu.Lock()
		defer l.mu.Unlock()
		if err != nil {
			f.state, f.err = Failed, err
			return nil, err
		}
		f.state, f.modules = Loaded, mods
		for _, id := range mods {
			l.modules[id] = name
		}
		return mods, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			log.Debug().Err(r.Err).Str("file", name).Bool("shared", r.Shared).Msg("runtime: load failed")
			return nil, r.Err
		}
		return r.Val.([]string), nil
	}
}

func (l *Loader) file(name string) *file {
	f, ok := l.files[name]
	if !ok {
		f = &file{state: Registered}
		l.files[name] = f
	}
	return f
}

func (l *Loader) fetch(ctx context.Context, name string) ([]string, error) {
	data, err := l.fetcher.Fetch(ctx, name)
	if err != nil {
		return nil, &LoadError{File: name, Err: err}
	}
	info, err := ParseHeader(data)
	if err != nil {
		return nil, &LoadError{File: name, Err: err}
	}
	return info.Modules, nil
}

// ParseHeader reads the chunk header on the first line of an emitted chunk
// file.
func ParseHeader(data []byte) (*linker.ChunkInfo, error) {
	if !bytes.HasPrefix(data, []byte(linker.Header)) {
		return nil, errors.New("missing chunk header")
	}
	line := data[len(linker.Header):]
	if i := bytes.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	line = bytes.TrimSuffix(bytes.TrimSpace(line), []byte("*/"))

	info := &linker.ChunkInfo{}
	if err := json.Unmarshal(line, info); err != nil {
		return nil, fmt.Errorf("chunk header: %w", err)
	}
	return info, nil
}
