package session

import (
	"errors"

	"github.com/colloquyhq/colloquy/pkg/sessionstore"
)

// ErrNotFound is returned when the addressed session does not exist. It is
// the store's sentinel so callers can use one errors.Is check across layers.
var ErrNotFound = sessionstore.ErrNotFound

// ErrOverloaded is returned when a session's inbound queue stays full past
// the enqueue timeout. Nothing is persisted in that case.
var ErrOverloaded = errors.New("session: inbound queue full")

// ErrValidation is returned for malformed inbound requests, such as empty
// content or an unknown target persona.
var ErrValidation = errors.New("session: invalid request")

// ErrShuttingDown is returned by manager operations after Shutdown started.
var ErrShuttingDown = errors.New("session: manager shutting down")
