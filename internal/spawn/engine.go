package spawn

import (
	"os"
	"syscall"

	"github.com/hack-pad/hackspawn/internal/common"
	"github.com/hack-pad/hackspawn/internal/errno"
	"github.com/hack-pad/hackspawn/internal/fs"
	"github.com/hack-pad/hackspawn/internal/log"
	"github.com/hack-pad/hackspawn/internal/process"
)

type driver interface {
	spawn(path string, actions *Actions, attr *Attributes, argv, env []string) (common.PID, error)
}

// Engine spawns processes with one of two drivers: duplicating the caller, or creating a new image through a Kernel.
type Engine struct {
	kernel   Kernel
	table    fs.Table
	registry *process.Registry
	driver   driver
}

type Option func(*Engine)

// WithKernel selects the image driver on k.
func WithKernel(k Kernel) Option {
	return func(e *Engine) {
		e.kernel = k
	}
}

// WithTable sets the descriptor table the image driver inherits from.
func WithTable(t fs.Table) Option {
	return func(e *Engine) {
		e.table = t
	}
}

func WithRegistry(r *process.Registry) Option {
	return func(e *Engine) {
		e.registry = r
	}
}

func New(options ...Option) (*Engine, error) {
	e := &Engine{}
	for _, option := range options {
		option(e)
	}
	if e.registry == nil {
		e.registry = process.NewRegistry(0)
	}
	if e.table == nil {
		e.table = fs.OSTable()
	}
	if e.kernel != nil {
		e.driver = &imageDriver{kernel: e.kernel, table: e.table, registry: e.registry}
		return e, nil
	}
	d, err := platformDriver(e)
	if err != nil {
		return nil, err
	}
	e.driver = d
	return e, nil
}

// Default returns an engine for this platform.
func Default() (*Engine, error) {
	return New()
}

func (e *Engine) Registry() *process.Registry {
	return e.registry
}

// Spawn starts path with argv and env after replaying actions and applying attr.
// path is used as given. A nil env means the current environment.
// On failure no child exists and the returned *errno.Error holds the cause.
func (e *Engine) Spawn(path string, actions *Actions, attr *Attributes, argv, env []string) (common.PID, error) {
	if path == "" || argv == nil {
		return 0, errno.New("spawn", path, syscall.EFAULT)
	}
	if env == nil {
		env = os.Environ()
	}
	pid, err := e.driver.spawn(path, actions, attr, argv, env)
	if err != nil {
		code := errno.From(err)
		log.Debugf("spawn %q %v: %v", path, argv, err)
		return 0, errno.New("spawn", path, code)
	}
	log.Debugf("spawn %q %v → %s", path, argv, pid)
	return pid, nil
}
