package common

import (
	"path"
	"strings"
)

// ResolvePath joins p onto wd and returns an io/fs style path: no leading slash, "." for the root.
func ResolvePath(wd, p string) string {
	if path.IsAbs(p) {
		p = path.Clean(p)
	} else {
		p = path.Join(wd, p)
	}
	p = strings.TrimPrefix(p, "/")
	if p == "" {
		return "."
	}
	return p
}

// AbsPath is the inverse of ResolvePath.
func AbsPath(fsPath string) string {
	if fsPath == "." || fsPath == "" {
		return "/"
	}
	return "/" + strings.TrimPrefix(fsPath, "/")
}
