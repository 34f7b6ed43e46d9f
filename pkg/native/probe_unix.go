//go:build unix

package native

import "golang.org/x/sys/unix"

// executable проверяет право на исполнение для текущего процесса
func executable(path string) bool {
	return unix.Access(path, unix.X_OK) == nil
}
