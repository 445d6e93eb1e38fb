package compressor

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"

	"github.com/semmidev/phylax-runner/internal/domain"
)

type ZstdCompressor struct{}

func NewZstd() *ZstdCompressor {
	return &ZstdCompressor{}
}

func (z *ZstdCompressor) Format() domain.Format { return domain.FormatZstd }

func (z *ZstdCompressor) Extension() string { return ".zst" }

func (z *ZstdCompressor) Compress(sourcePath, destPath string) error {
	return compressFile(sourcePath, destPath, func(w io.Writer) (io.WriteCloser, error) {
		zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedBestCompression))
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd writer: %w", err)
		}
		return zw, nil
	})
}

func (z *ZstdCompressor) Decompress(sourcePath, destPath string) error {
	return decompressFile(sourcePath, destPath, func(r io.Reader) (io.Reader, func(), error) {
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create zstd reader: %w", err)
		}
		return zr, zr.Close, nil
	})
}
