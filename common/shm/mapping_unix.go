// +build !windows

package shm

import (
	"os"

	"golang.org/x/sys/unix"
)

type mapping struct {
	data []byte
}

func mapFile(file *os.File, size int) (m *mapping, err error) {
	data, err := unix.Mmap(int(file.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return
	}
	m = &mapping{data: data}
	return
}

func (m *mapping) unmap() error {
	return unix.Munmap(m.data)
}
