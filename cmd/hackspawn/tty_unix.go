//go:build !windows

package main

import (
	"io"
	"os"
	"os/signal"

	"github.com/creack/pty"
	"github.com/hack-pad/hackspawn/internal/log"
	"github.com/hack-pad/hackspawn/internal/spawn"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// ttySession is a pseudo terminal whose slave becomes the child's stdio and controlling terminal.
type ttySession struct {
	ptmx, tty *os.File
	restore   func()
	winch     chan os.Signal
	done      chan struct{}
}

func openTTY() (*ttySession, error) {
	ptmx, tty, err := pty.Open()
	if err != nil {
		return nil, errors.Wrap(err, "open pseudo terminal")
	}
	if size, err := pty.GetsizeFull(os.Stdin); err == nil {
		_ = pty.Setsize(ptmx, size)
	}
	return &ttySession{ptmx: ptmx, tty: tty, restore: func() {}}, nil
}

// actions opens the slave by path after setsid, which makes it the controlling terminal.
func (s *ttySession) actions() []spawn.Action {
	return []spawn.Action{
		{Kind: spawn.ActionOpen, FD: 0, Path: s.tty.Name(), Flags: os.O_RDWR},
		{Kind: spawn.ActionDup2, FD: 0, NewFD: 1},
		{Kind: spawn.ActionDup2, FD: 0, NewFD: 2},
	}
}

// attach relays between the terminal and our stdio until the child closes its side.
func (s *ttySession) attach() error {
	if err := s.tty.Close(); err != nil {
		return err
	}
	s.tty = nil

	stdin := int(os.Stdin.Fd())
	if term.IsTerminal(stdin) {
		oldState, err := term.MakeRaw(stdin)
		if err != nil {
			return errors.Wrap(err, "raw mode")
		}
		s.restore = func() { _ = term.Restore(stdin, oldState) }
	}

	s.winch = make(chan os.Signal, 1)
	s.done = make(chan struct{})
	signal.Notify(s.winch, unix.SIGWINCH)
	go func() {
		for {
			select {
			case <-s.winch:
				if size, err := pty.GetsizeFull(os.Stdin); err == nil {
					_ = pty.Setsize(s.ptmx, size)
				}
			case <-s.done:
				return
			}
		}
	}()

	go func() {
		_, _ = io.Copy(s.ptmx, os.Stdin)
	}()
	// reads fail with EIO once every slave descriptor is closed
	if _, err := io.Copy(os.Stdout, s.ptmx); err != nil {
		log.Debugf("Terminal closed: %v", err)
	}
	return nil
}

func (s *ttySession) Close() error {
	if s.winch != nil {
		signal.Stop(s.winch)
		close(s.done)
		s.winch = nil
	}
	s.restore()
	if s.tty != nil {
		s.tty.Close()
	}
	return s.ptmx.Close()
}
