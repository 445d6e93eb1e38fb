package compressor

import (
	"fmt"
	"io"
	"os"
)

func compressFile(sourcePath, destPath string, wrap func(io.Writer) (io.WriteCloser, error)) (err error) {
	sourceFile, err := os.Open(sourcePath)
	if err != nil {
		return fmt.Errorf("failed to open source file: %w", err)
	}
	defer sourceFile.Close()

	destFile, err := os.OpenFile(destPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create dest file: %w", err)
	}
	defer func() {
		if cerr := destFile.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("failed to close dest file: %w", cerr)
		}
	}()

	w, err := wrap(destFile)
	if err != nil {
		return err
	}

	if _, err := io.Copy(w, sourceFile); err != nil {
		w.Close()
		return fmt.Errorf("failed to compress: %w", err)
	}

	// Close flushes the trailer; an error here means a truncated artifact.
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to finish compression: %w", err)
	}
	return nil
}

func decompressFile(sourcePath, destPath string, wrap func(io.Reader) (io.Reader, func(), error)) (err error) {
	sourceFile, err := os.Open(sourcePath)
	if err != nil {
		return fmt.Errorf("failed to open source file: %w", err)
	}
	defer sourceFile.Close()

	r, release, err := wrap(sourceFile)
	if err != nil {
		return err
	}
	defer release()

	destFile, err := os.OpenFile(destPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create dest file: %w", err)
	}
	defer func() {
		if cerr := destFile.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("failed to close dest file: %w", cerr)
		}
	}()

	if _, err := io.Copy(destFile, r); err != nil {
		return fmt.Errorf("failed to decompress: %w", err)
	}
	return nil
}
