package linker

import "fmt"

// EmitError reports two distinct chunks rendering to the same filename.
type EmitError struct {
	Filename string
	ChunkA   string
	ChunkB   string
}

func (e *EmitError) Error() string {
	return fmt.Sprintf("emit: chunks %s and %s both render to %q", e.ChunkA, e.ChunkB, e.Filename)
}
