package compressor

import (
	"fmt"
	"io"

	"github.com/pierrec/lz4/v4"

	"github.com/semmidev/phylax-runner/internal/domain"
)

type LZ4Compressor struct{}

func NewLZ4() *LZ4Compressor {
	return &LZ4Compressor{}
}

func (l *LZ4Compressor) Format() domain.Format { return domain.FormatLZ4 }

func (l *LZ4Compressor) Extension() string { return ".lz4" }

func (l *LZ4Compressor) Compress(sourcePath, destPath string) error {
	return compressFile(sourcePath, destPath, func(w io.Writer) (io.WriteCloser, error) {
		lw := lz4.NewWriter(w)
		if err := lw.Apply(lz4.CompressionLevelOption(lz4.Level9)); err != nil {
			return nil, fmt.Errorf("failed to configure lz4 writer: %w", err)
		}
		return lw, nil
	})
}

func (l *LZ4Compressor) Decompress(sourcePath, destPath string) error {
	return decompressFile(sourcePath, destPath, func(r io.Reader) (io.Reader, func(), error) {
		return lz4.NewReader(r), func() {}, nil
	})
}
