package inspect

import (
	"path/filepath"
	"strings"
)

// SoftwareReader reads the EXIF Software tag of an image.
type SoftwareReader interface {
	Software(filePath string) (string, error)
}

// FileType represents the type of file being inspected.
type FileType int

const (
	FileTypeUnknown FileType = iota
	FileTypeJPEG
	FileTypePNG
	FileTypeSVGA
)

// CacheStats contains statistics about cache performance.
type CacheStats struct {
	Hits         int64
	Misses       int64
	TotalQueries int64
	HitRate      float64
}

// Info describes an image on disk.
type Info struct {
	Path       string   `json:"path"`
	Type       FileType `json:"-"`
	TypeName   string   `json:"type"`
	Size       int64    `json:"size"`
	SizeText   string   `json:"size_text"`
	Compressed bool     `json:"compressed"`
	Width      int      `json:"width,omitempty"`
	Height     int      `json:"height,omitempty"`
	Software   string   `json:"software,omitempty"`
	// DecodeError is set when the pixel data could not be read.
	DecodeError string `json:"decode_error,omitempty"`
}

// FileTypeOf guesses the type from the file extension.
func FileTypeOf(filePath string) FileType {
	switch strings.ToLower(filepath.Ext(filePath)) {
	case ".jpg", ".jpeg":
		return FileTypeJPEG
	case ".png":
		return FileTypePNG
	case ".svga":
		return FileTypeSVGA
	default:
		return FileTypeUnknown
	}
}

// String returns the string representation of the FileType.
func (ft FileType) String() string {
	switch ft {
	case FileTypeJPEG:
		return "JPEG"
	case FileTypePNG:
		return "PNG"
	case FileTypeSVGA:
		return "SVGA"
	default:
		return "Unknown"
	}
}

// IsRaster reports whether the type can be decoded into pixels.
func (ft FileType) IsRaster() bool {
	return ft == FileTypeJPEG || ft == FileTypePNG
}
