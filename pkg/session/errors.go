// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package session

import "errors"

var (
	// ErrUnknownSession is returned by Reassign when no session is
	// registered for the supplied uuid: the upgrade must be rejected
	// (spec.md §6 "reject if unknown").
	ErrUnknownSession = errors.New("session: unknown session id")
	// ErrAlreadyRegistered is returned by Create for a duplicate uuid.
	ErrAlreadyRegistered = errors.New("session: uuid already registered")
	// ErrSessionLimitReached is returned by Create once MaxSessions is hit.
	ErrSessionLimitReached = errors.New("session: max concurrent sessions reached")
)
