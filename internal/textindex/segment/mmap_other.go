//go:build !unix

package segment

import "os"

// mmapFile reads the file into memory on platforms without mmap support.
func mmapFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

func munmap([]byte) error { return nil }
