//go:build windows

package spawn

func platformDriver(e *Engine) (driver, error) {
	e.kernel = NewWindowsKernel()
	return &imageDriver{kernel: e.kernel, table: e.table, registry: e.registry}, nil
}
