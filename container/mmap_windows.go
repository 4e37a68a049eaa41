//go:build windows

package container

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/windows"
)

// mapping is a read-only memory-mapped file region.
type mapping struct {
	f       *os.File
	mapping windows.Handle
	addr    uintptr
	buf     []byte
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

	h, err := windows.CreateFileMapping(windows.Handle(f.Fd()), nil, windows.PAGE_READONLY, 0, 0, nil)
	if err != nil {
		f.Close()
		return mapping{}, fmt.Errorf("CreateFileMapping %s: %w", path, err)
	}

	addr, err := windows.MapViewOfFile(h, windows.FILE_MAP_READ, 0, 0, uintptr(info.Size()))
	if err != nil {
		windows.CloseHandle(h)
		f.Close()
		return mapping{}, fmt.Errorf("MapViewOfFile %s: %w", path, err)
	}

	buf := unsafe.Slice((*byte)(unsafe.Pointer(addr)), int(info.Size()))
	return mapping{f: f, mapping: h, addr: addr, buf: buf}, nil
}

func (m mapping) bytes() []byte { return m.buf }

func (m mapping) Close() error {
	if m.addr != 0 {
		_ = windows.UnmapViewOfFile(m.addr)
	}
	if m.mapping != 0 {
		_ = windows.CloseHandle(m.mapping)
	}
	return m.f.Close()
}
