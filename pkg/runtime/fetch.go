package runtime

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/afero"
)

// Fetcher retrieves an emitted file by name. The loader state machine only
// talks to this interface, so it does not care where files come from.
type Fetcher interface {
	Fetch(ctx context.Context, file string) ([]byte, error)
}

// HTTPFetcher fetches files relative to a base URL.
type HTTPFetcher struct {
	Client  *http.Client
	BaseURL string
}

func (f *HTTPFetcher) Fetch(ctx context.Context, file string) ([]byte, error) {
	url := strings.TrimSuffix(f.BaseURL, "/") + "/" + strings.TrimPrefix(file, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: %s", url, resp.Status)
	}
	return io.ReadAll(resp.Body)
}

// FSFetcher reads files from a directory.
type FSFetcher struct {
	Fs  afero.Fs
	Dir string
}

func (f *FSFetcher) Fetch(ctx context.Context, file string) ([]byte, error) {
	return afero.ReadFile(f.Fs, filepath.Join(f.Dir, filepath.FromSlash(file)))
}

// MemoryFetcher serves files from memory and counts fetches.
type MemoryFetcher struct {
	mu    sync.Mutex
	files map[string][]byte
	fail  map[string]error
	calls map[string]int
	// Gate, when set, blocks every fetch until it is closed or ctx ends.
	Gate chan struct{}
}

func NewMemoryFetcher(files map[string][]byte) *MemoryFetcher {
	if files == nil {
		files = map[string][]byte{}
	}
	return &MemoryFetcher{files: files, fail: map[string]error{}, calls: map[string]int{}}
}

func (f *MemoryFetcher) Fetch(ctx context.Context, file string) ([]byte, error) {
	f.mu.Lock()
	f.calls[file]++
	gate := f.Gate
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[file]; err != nil {
		return nil, err
	}
	data, ok := f.files[file]
	if !ok {
		return nil, fmt.Errorf("%s: not found", file)
	}
	return data, nil
}

// Put stores a file.
func (f *MemoryFetcher) Put(file string, data []byte) {
	f.mu.Lock()
	f.files[file] = data
	f.mu.Unlock()
}

// Fail makes fetches of file return err until it is called with nil.
func (f *MemoryFetcher) Fail(file string, err error) {
	f.mu.Lock()
	if err == nil {
		delete(f.fail, file)
	} else {
		f.fail[file] = err
	}
	f.mu.Unlock()
}

// Calls returns how often file was fetched.
func (f *MemoryFetcher) Calls(file string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[file]
}

// FetcherOptions configures FetcherFor.
type FetcherOptions struct {
	BaseURL string
	Fs      afero.Fs
	Dir     string
	Files   map[string][]byte
}

// FetcherFor picks the fetcher for a build target: web and webworker load
// over the network, node from the filesystem. "memory" serves Files.
func FetcherFor(target string, o FetcherOptions) (Fetcher, error) {
	switch target {
	case "web", "webworker":
		return &HTTPFetcher{BaseURL: o.BaseURL}, nil
	case "node":
		fs := o.Fs
		if fs == nil {
			fs = afero.NewOsFs()
		}
		return &FSFetcher{Fs: fs, Dir: o.Dir}, nil
	case "memory":
		return NewMemoryFetcher(o.Files), nil
	}
	return nil, fmt.Errorf("runtime: unknown target %q", target)
}
