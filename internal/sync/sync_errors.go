package sync

import "errors"

var (
	ErrWatchBackend       = errors.New("watch backend failure")
	ErrRemoteListing      = errors.New("remote listing failure")
	ErrTransfer           = errors.New("transfer failure")
	ErrInvariantViolation = errors.New("sync invariant violated")
	ErrTaskExited         = errors.New("task exited")
)
