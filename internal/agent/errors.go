package agent

import "errors"

var (
	ErrDisposed             = errors.New("agent: disposed")
	ErrAlreadyConfigured    = errors.New("agent: already configured")
	ErrInvalidState         = errors.New("agent: invalid state")
	ErrMissingConfiguration = errors.New("agent: missing configuration")
	ErrInvalidArgument      = errors.New("agent: invalid argument")
	ErrNullArgument         = errors.New("agent: null argument")

	ErrWorkerRunning = errors.New("agent: worker is already running")
	ErrWorkerStopped = errors.New("agent: worker was already started and stopped")
)
