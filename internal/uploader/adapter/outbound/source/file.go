// Package source opens local files for upload.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"

	"github.com/anthanhphan/go-resilient-upload/internal/uploader/port"
	"github.com/gabriel-vasile/mimetype"
)

const sniffLen = 512

var (
	ErrNotRegularFile = errors.New("source is not a regular file")
	ErrSourceChanged  = errors.New("source changed since upload started")
)

// FileOpener resolves sources on the local filesystem.
type FileOpener struct{}

func NewFileOpener() *FileOpener {
	return &FileOpener{}
}

func (o *FileOpener) Describe(_ context.Context, path string) (port.SourceDescriptor, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return port.SourceDescriptor{}, fmt.Errorf("resolve %s: %w", path, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return port.SourceDescriptor{}, fmt.Errorf("stat %s: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return port.SourceDescriptor{}, fmt.Errorf("%w: %s", ErrNotRegularFile, path)
	}

	mimeType, err := detectContentType(abs)
	if err != nil {
		return port.SourceDescriptor{}, err
	}

	return port.SourceDescriptor{
		Path:     abs,
		Name:     filepath.Base(abs),
		Size:     info.Size(),
		MimeType: mimeType,
	}, nil
}

// Open fails with ErrSourceChanged when the file size differs from desc, since
// completed parts would no longer line up with the bytes on disk.
func (o *FileOpener) Open(_ context.Context, desc port.SourceDescriptor) (port.Source, error) {
	f, err := os.Open(desc.Path) // #nosec G304
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", desc.Path, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat %s: %w", desc.Path, err)
	}
	if info.Size() != desc.Size {
		_ = f.Close()
		return nil, fmt.Errorf("%w: %s is %d bytes, expected %d", ErrSourceChanged, desc.Path, info.Size(), desc.Size)
	}
	return &file{File: f, size: info.Size()}, nil
}

type file struct {
	*os.File
	size int64
}

func (f *file) Size() int64 { return f.size }

// detectContentType sniffs the first bytes and falls back to the extension
// when the content is not recognized.
func detectContentType(path string) (string, error) {
	f, err := os.Open(path) // #nosec G304
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	buf := make([]byte, sniffLen)
	n, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read %s: %w", path, err)
	}

	if n > 0 {
		if mt := mimetype.Detect(buf[:n]); mt != nil && mt.String() != "application/octet-stream" {
			return mt.String(), nil
		}
	}
	if byExt := mime.TypeByExtension(filepath.Ext(path)); byExt != "" {
		return byExt, nil
	}
	return "application/octet-stream", nil
}

var _ port.SourceOpener = (*FileOpener)(nil)
