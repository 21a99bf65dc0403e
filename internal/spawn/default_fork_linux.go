//go:build linux && (amd64 || arm64)

package spawn

func platformDriver(e *Engine) (driver, error) {
	return newForkDriver(), nil
}
