package multipart

import (
	"github.com/mjl-/partpull/tmpfile"
)

const (
	DefaultChunkSize       = 8 * 1024
	DefaultMemoryThreshold = 1024 * 1024
)

// Config holds parameters for a Parser and Message.
type Config struct {
	// Number of bytes to read from the source before emitting content. Defaults to
	// DefaultChunkSize if zero or negative.
	ChunkSize int

	// Number of bytes of part content kept in memory, per part and for the message
	// as a whole. When exceeded, the content of the part being read moves to a
	// temporary file. Zero stores all content in temporary files. Negative disables
	// temporary files.
	MemoryThreshold int64

	// Directory for temporary files, the system temporary directory if empty.
	TempDir string

	// If > 0, reading more than MaxSize bytes from the source fails with an error
	// matching pio.ErrLimit.
	MaxSize int64

	// If set, NewMessage parses the entire message before returning. Errors are
	// returned by later calls.
	ParseEagerly bool

	// Registry for temporary files, tmpfile.Default if nil.
	Registry *tmpfile.Registry
}

// DefaultConfig returns a config with the default chunk size and memory
// threshold.
func DefaultConfig() Config {
	return Config{
		ChunkSize:       DefaultChunkSize,
		MemoryThreshold: DefaultMemoryThreshold,
	}
}

func (c Config) registry() *tmpfile.Registry {
	if c.Registry == nil {
		return tmpfile.Default
	}
	return c.Registry
}
