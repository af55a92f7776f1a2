package compressor

import (
	"bytes"
	"io"
	"os"
)

// HasMarker reports whether the file at path ends with marker.
func HasMarker(path string, marker []byte) (bool, error) {
	if len(marker) == 0 {
		return false, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return false, err
	}
	if info.Size() < int64(len(marker)) {
		return false, nil
	}

	tail := make([]byte, len(marker))
	if _, err := f.ReadAt(tail, info.Size()-int64(len(marker))); err != nil && err != io.EOF {
		return false, err
	}
	return bytes.Equal(tail, marker), nil
}

// progressReader reports bytes read through fn.
type progressReader struct {
	r     io.Reader
	done  int64
	total int64
	fn    func(done, total int64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.done += int64(n)
		p.fn(p.done, p.total)
	}
	return n, err
}

// progressWriter reports bytes written through fn.
type progressWriter struct {
	w    io.Writer
	done int64
	fn   func(done, total int64)
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	if n > 0 {
		p.done += int64(n)
		p.fn(p.done, -1)
	}
	return n, err
}
