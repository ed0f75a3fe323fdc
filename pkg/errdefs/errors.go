/*
 * Copyright (c) 2025. Folderd Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package errdefs

import (
	"fmt"
	"net"

	"github.com/pkg/errors"
)

var (
	ErrAlreadyExists   = errors.New("already exists")
	ErrNotFound        = errors.New("not found")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrUnavailable     = errors.New("unavailable")
	ErrTimeout         = errors.New("timeout")
	ErrCanceled        = errors.New("canceled")
)

// AlreadyRunningError reports that another daemon instance owns the
// discovery registry. Pid identifies the running instance.
type AlreadyRunningError struct {
	Pid int
}

func (e *AlreadyRunningError) Error() string {
	return fmt.Sprintf("daemon already running with pid %d", e.Pid)
}

// IsAlreadyRunning returns true if the error reports a live daemon
// registered for this host.
func IsAlreadyRunning(err error) bool {
	var conflict *AlreadyRunningError
	return errors.As(err, &conflict)
}

// IsAlreadyExists returns true if the error is due to already exists
func IsAlreadyExists(err error) bool {
	return errors.Is(err, ErrAlreadyExists)
}

// IsNotFound returns true if the error is due to a missing object
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsInvalidArgument returns true if the error is due to a malformed input
func IsInvalidArgument(err error) bool {
	return errors.Is(err, ErrInvalidArgument)
}

// IsUnavailable returns true if the error is due to an unreachable backend
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// IsTimeout returns true if the error is due to an expired deadline
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsCanceled returns true if the error is due to a canceled operation
func IsCanceled(err error) bool {
	return errors.Is(err, ErrCanceled)
}

// IsConnectionClosed returns true if error is due to connection closed
// this is used when the websocket listener is closed by sig term
func IsConnectionClosed(err error) bool {
	switch err := err.(type) {
	case *net.OpError:
		return err.Err.Error() == "use of closed network connection"
	default:
		return false
	}
}
