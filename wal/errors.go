package wal

import "errors"

// ErrFullDisk is returned when a write to the active segment fails because
// the underlying volume is out of space. spec.md section 4.1/7 treats this
// as fatal: the engine halts without acknowledging the in-flight request.
var ErrFullDisk = errors.New("wal: disk full, append failed")

// ErrClosed is returned by Append/Replay once the Store has been closed.
var ErrClosed = errors.New("wal: store is closed")
