//go:build unix

package segment

import (
	"os"

	"golang.org/x/sys/unix"
)

// mmapFile maps the whole file read-only with random-access advice.
func mmapFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, err
	} else if fi.Size() == 0 {
		return nil, nil
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(fi.Size()), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, err
	}
	if err := unix.Madvise(data, unix.MADV_RANDOM); err != nil {
		unix.Munmap(data)
		return nil, err
	}
	return data, nil
}

func munmap(data []byte) error {
	if data == nil {
		return nil
	}
	return unix.Munmap(data)
}
