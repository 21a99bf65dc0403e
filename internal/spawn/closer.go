package spawn

import (
	"container/list"
	"sync"

	"github.com/hack-pad/hackspawn/internal/fs"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

// Closer tracks the transient handles of one spawn attempt. Each handle is closed once, by Close, unless taken back out first.
type Closer struct {
	mu      sync.Mutex
	close   func(fs.Handle) error
	handles *list.List
	index   map[fs.Handle]*list.Element
}

func NewCloser(close func(fs.Handle) error) *Closer {
	return &Closer{
		close:   close,
		handles: list.New(),
		index:   make(map[fs.Handle]*list.Element),
	}
}

func (c *Closer) Add(h fs.Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.index[h]; exists {
		return
	}
	c.index[h] = c.handles.PushBack(h)
}

// Take removes h from the ledger, handing its ownership to the caller.
func (c *Closer) Take(h fs.Handle) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.index[h]
	if !ok {
		return false
	}
	c.handles.Remove(elem)
	delete(c.index, h)
	return true
}

func (c *Closer) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handles.Len()
}

// Close closes every remaining handle in the order added. Calling it again closes nothing.
func (c *Closer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var result error
	for elem := c.handles.Front(); elem != nil; elem = c.handles.Front() {
		h := c.handles.Remove(elem).(fs.Handle)
		delete(c.index, h)
		if err := c.close(h); err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "close handle %d", h))
		}
	}
	return result
}
