package main

import (
	"github.com/hack-pad/hackspawn/internal/spawn"
	"github.com/pkg/errors"
)

type ttySession struct{}

func openTTY() (*ttySession, error) {
	return nil, errors.New("--tty is not supported on windows")
}

func (s *ttySession) actions() []spawn.Action { return nil }
func (s *ttySession) attach() error          { return nil }
func (s *ttySession) Close() error           { return nil }
