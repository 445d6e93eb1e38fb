package compressor

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"

	"github.com/semmidev/phylax-runner/internal/domain"
)

// GzipCompressor writes headers without name or mtime so identical input
// yields identical artifacts.
type GzipCompressor struct{}

func NewGzip() *GzipCompressor {
	return &GzipCompressor{}
}

func (g *GzipCompressor) Format() domain.Format { return domain.FormatGzip }

func (g *GzipCompressor) Extension() string { return ".gz" }

func (g *GzipCompressor) Compress(sourcePath, destPath string) error {
	return compressFile(sourcePath, destPath, func(w io.Writer) (io.WriteCloser, error) {
		gw, err := gzip.NewWriterLevel(w, gzip.BestCompression)
		if err != nil {
			return nil, fmt.Errorf("failed to create gzip writer: %w", err)
		}
		return gw, nil
	})
}

func (g *GzipCompressor) Decompress(sourcePath, destPath string) error {
	return decompressFile(sourcePath, destPath, func(r io.Reader) (io.Reader, func(), error) {
		gr, err := gzip.NewReader(r)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create gzip reader: %w", err)
		}
		return gr, func() { gr.Close() }, nil
	})
}
