package compressor

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/semmidev/phylax-runner/internal/domain"
)

var magics = []struct {
	format domain.Format
	prefix []byte
}{
	{domain.FormatGzip, []byte{0x1f, 0x8b}},
	{domain.FormatZstd, []byte{0x28, 0xb5, 0x2f, 0xfd}},
	{domain.FormatLZ4, []byte{0x04, 0x22, 0x4d, 0x18}},
}

// ForFormat returns the compressor for a configured format.
func ForFormat(format domain.Format) (domain.Compressor, error) {
	switch format {
	case domain.FormatGzip:
		return NewGzip(), nil
	case domain.FormatZstd:
		return NewZstd(), nil
	case domain.FormatLZ4:
		return NewLZ4(), nil
	}
	return nil, fmt.Errorf("unsupported compression format %q", format)
}

// Detect reads the leading bytes of path and reports its codec, or
// domain.FormatNone for uncompressed content.
func Detect(path string) (domain.Format, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	head := make([]byte, 4)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return "", fmt.Errorf("failed to read header: %w", err)
	}
	head = head[:n]

	for _, m := range magics {
		if bytes.HasPrefix(head, m.prefix) {
			return m.format, nil
		}
	}
	return domain.FormatNone, nil
}

// ForFile detects the codec of path and returns a matching compressor.
// Uncompressed files yield a nil compressor and no error.
func ForFile(path string) (domain.Compressor, error) {
	format, err := Detect(path)
	if err != nil {
		return nil, err
	}
	if format == domain.FormatNone {
		return nil, nil
	}
	return ForFormat(format)
}
