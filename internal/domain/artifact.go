package domain

// Artifact is a compressed dump living inside a job workspace.
type Artifact struct {
	Path     string
	Size     int64
	Checksum string // hex SHA-256
	Engine   Engine
	Format   Format
}

type Format string

const (
	// FormatNative marks dump formats the tool already compresses.
	FormatNative Format = "native"
	FormatGzip   Format = "gzip"
	FormatZstd   Format = "zstd"
	FormatLZ4    Format = "lz4"
	FormatNone   Format = "none"
)
