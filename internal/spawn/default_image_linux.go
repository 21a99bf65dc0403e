//go:build linux && !amd64 && !arm64

package spawn

func platformDriver(e *Engine) (driver, error) {
	e.kernel = NewUnixKernel()
	return &imageDriver{kernel: e.kernel, table: e.table, registry: e.registry}, nil
}
