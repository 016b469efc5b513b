// Package driver defines how a runner backend creates containers and executes uploaded files in them.
package driver

import (
	"context"
	"errors"
	"io"
)

// ErrNotStarted is returned when a file is executed in a container that has not been started.
var ErrNotStarted = errors.New("container not started")

type Signal int

const (
	SignalInterrupt Signal = iota + 1
	SignalTerminate
)

func (s Signal) String() string {
	switch s {
	case SignalInterrupt:
		return "SIGINT"
	case SignalTerminate:
		return "SIGTERM"
	}
	return "unknown"
}

// Driver creates containers.
type Driver interface {
	Create(ctx context.Context) (Container, error)
}

// Container is a sandbox that files can be uploaded into and executed in.
// Containers are not goroutine-safe except for signaling a running Process.
type Container interface {
	ID() string
	Start(ctx context.Context) error
	// Upload writes contents to path, relative to the container's working directory.
	Upload(ctx context.Context, path string, contents io.Reader) error
	// Exec runs the file at path. Canceling ctx kills the process.
	Exec(ctx context.Context, req ExecRequest) (Process, error)
	Remove(ctx context.Context) error
}

type ExecRequest struct {
	Path   string
	Stdout io.Writer
	Stderr io.Writer
}

type Process interface {
	// Wait returns once the process has exited and its output has been written.
	Wait(ctx context.Context) (*Result, error)
	Signal(ctx context.Context, sig Signal) error
}

type Result struct {
	ExitCode int
	TimeMS   int64
}
