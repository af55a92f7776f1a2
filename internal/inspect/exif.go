package inspect

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/barasher/go-exiftool"
	"github.com/rwcarlsen/goexif/exif"
)

// GoExifReader reads the Software tag with the rwcarlsen/goexif decoder.
type GoExifReader struct{}

// Software returns the EXIF Software tag of filePath.
func (GoExifReader) Software(filePath string) (string, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	x, err := exif.Decode(f)
	if err != nil {
		return "", fmt.Errorf("failed to decode EXIF: %w", err)
	}
	tag, err := x.Get(exif.Software)
	if err != nil {
		return "", fmt.Errorf("no Software tag: %w", err)
	}
	val, err := tag.StringVal()
	if err != nil {
		return "", fmt.Errorf("bad Software tag: %w", err)
	}
	return strings.TrimSpace(val), nil
}

// ExiftoolReader reads the Software tag through a long-running exiftool
// process. It needs the exiftool binary on PATH.
type ExiftoolReader struct {
	mu sync.Mutex
	et *exiftool.Exiftool
}

// NewExiftoolReader starts exiftool. Callers must Close the reader.
func NewExiftoolReader() (*ExiftoolReader, error) {
	et, err := exiftool.NewExiftool()
	if err != nil {
		return nil, fmt.Errorf("start exiftool: %w", err)
	}
	return &ExiftoolReader{et: et}, nil
}

// Software returns the EXIF Software tag of filePath.
func (r *ExiftoolReader) Software(filePath string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	files := r.et.ExtractMetadata(filePath)
	if len(files) == 0 {
		return "", fmt.Errorf("exiftool returned no metadata for %s", filePath)
	}
	if files[0].Err != nil {
		return "", files[0].Err
	}
	sw, err := files[0].GetString("Software")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(sw), nil
}

// Close stops the exiftool process.
func (r *ExiftoolReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.et.Close()
}
