//go:build !windows

package container

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// mapping is a read-only memory-mapped file region.
type mapping struct {
	f   *os.File
	buf []byte
}

func mapFile(path string) (mapping, error) {
	f, err := os.Open(path)
	if err != nil {
		return mapping{}, err
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return mapping{}, err
	}
	if info.Size() == 0 {
		f.Close()
		return mapping{}, fmt.Errorf("%w: empty file", ErrMalformed)
	}

	buf, err := unix.Mmap(int(f.Fd()), 0, int(info.Size()), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return mapping{}, fmt.Errorf("mmap %s: %w", path, err)
	}

	return mapping{f: f, buf: buf}, nil
}

func (m mapping) bytes() []byte { return m.buf }

func (m mapping) Close() error {
	var err error
	if m.buf != nil {
		err = unix.Munmap(m.buf)
	}
	if cerr := m.f.Close(); err == nil {
		err = cerr
	}
	return err
}
