// Package inspect reports what is known about an image on disk: whether it
// already carries the compression marker, its dimensions and its EXIF
// Software tag.
package inspect

import (
	"fmt"
	"os"
	"sync"

	"tinify-unlimited/internal/compressor"
	"tinify-unlimited/internal/statistics"

	"github.com/disintegration/imaging"
	"github.com/sirupsen/logrus"
)

// Inspector inspects images and caches results by path, size and mtime.
type Inspector struct {
	logger   *logrus.Logger
	marker   []byte
	software SoftwareReader
	cache    *sync.Map
	stats    CacheStats
	mutex    sync.RWMutex
}

// NewInspector returns an Inspector. A nil reader falls back to goexif.
func NewInspector(logger *logrus.Logger, marker []byte, software SoftwareReader) *Inspector {
	if software == nil {
		software = GoExifReader{}
	}
	if marker == nil {
		marker = []byte(compressor.DefaultMarker)
	}
	return &Inspector{
		logger:   logger,
		marker:   marker,
		software: software,
		cache:    &sync.Map{},
	}
}

// Inspect returns the Info for filePath.
func (i *Inspector) Inspect(filePath string) (*Info, error) {
	fileInfo, err := os.Stat(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}
	if fileInfo.IsDir() {
		return nil, fmt.Errorf("%s is a directory", filePath)
	}

	key := fmt.Sprintf("%s:%d:%d", filePath, fileInfo.Size(), fileInfo.ModTime().UnixNano())
	if value, ok := i.cache.Load(key); ok {
		i.count(true)
		info := value.(Info)
		return &info, nil
	}
	i.count(false)

	info := Info{
		Path:     filePath,
		Type:     FileTypeOf(filePath),
		Size:     fileInfo.Size(),
		SizeText: statistics.FormatBytes(fileInfo.Size()),
	}
	info.TypeName = info.Type.String()

	info.Compressed, err = compressor.HasMarker(filePath, i.marker)
	if err != nil {
		return nil, fmt.Errorf("failed to read marker: %w", err)
	}

	if info.Type.IsRaster() {
		img, err := imaging.Open(filePath)
		if err != nil {
			info.DecodeError = err.Error()
			i.logger.Debugf("Could not decode %s: %v", filePath, err)
		} else {
			b := img.Bounds()
			info.Width, info.Height = b.Dx(), b.Dy()
		}
	}

	if info.Type == FileTypeJPEG {
		if sw, err := i.software.Software(filePath); err == nil {
			info.Software = sw
		} else {
			i.logger.Debugf("No EXIF Software tag for %s: %v", filePath, err)
		}
	}

	i.cache.Store(key, info)
	return &info, nil
}

// GetCacheStats returns cache statistics for this inspector.
func (i *Inspector) GetCacheStats() CacheStats {
	i.mutex.RLock()
	defer i.mutex.RUnlock()

	stats := i.stats
	if stats.TotalQueries > 0 {
		stats.HitRate = float64(stats.Hits) / float64(stats.TotalQueries)
	}
	return stats
}

func (i *Inspector) count(hit bool) {
	i.mutex.Lock()
	defer i.mutex.Unlock()
	if hit {
		i.stats.Hits++
	} else {
		i.stats.Misses++
	}
	i.stats.TotalQueries++
}
