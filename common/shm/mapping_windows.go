// +build windows

package shm

import (
	"os"
	"unsafe"

	"golang.org/x/sys/windows"
)

type mapping struct {
	data    []byte
	handle  windows.Handle
	address uintptr
}

func mapFile(file *os.File, size int) (m *mapping, err error) {
	handle, err := windows.CreateFileMapping(windows.Handle(file.Fd()), nil, windows.PAGE_READWRITE, 0, uint32(size), nil)
	if err != nil {
		return
	}
	address, err := windows.MapViewOfFile(handle, windows.FILE_MAP_WRITE, 0, 0, uintptr(size))
	if err != nil {
		windows.CloseHandle(handle)
		return
	}
	m = &mapping{
		data:    unsafe.Slice((*byte)(unsafe.Pointer(address)), size),
		handle:  handle,
		address: address,
	}
	return
}

func (m *mapping) unmap() (err error) {
	err = windows.UnmapViewOfFile(m.address)
	if closeErr := windows.CloseHandle(m.handle); err == nil {
		err = closeErr
	}
	return
}
