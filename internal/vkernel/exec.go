package vkernel

import (
	"bytes"
	"io"
	"os"
	"syscall"

	"github.com/hack-pad/hackpadfs"
	"github.com/hack-pad/hackspawn/internal/common"
)

var magics = [][]byte{
	[]byte("#!"),
	[]byte("\x7fELF"),
}

type stater func(string) (os.FileInfo, error)

func findExecutable(stat stater, file string) error {
	d, err := stat(file)
	if err != nil {
		return err
	}
	if m := d.Mode(); m.IsDir() || m&0111 == 0 {
		return syscall.EACCES
	}
	return nil
}

// checkExecutable fails the way execve would for name.
func (k *Kernel) checkExecutable(name string) error {
	fsPath := common.ResolvePath(k.cwd, name)
	err := findExecutable(func(p string) (os.FileInfo, error) {
		return hackpadfs.Stat(k.fs, p)
	}, fsPath)
	if err != nil {
		return err
	}

	file, err := hackpadfs.OpenFile(k.fs, fsPath, os.O_RDONLY, 0)
	if err != nil {
		return err
	}
	defer file.Close()
	header := make([]byte, 4)
	n, err := io.ReadFull(file, header)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return err
	}
	for _, magic := range magics {
		if bytes.HasPrefix(header[:n], magic) {
			return nil
		}
	}
	return syscall.ENOEXEC
}
