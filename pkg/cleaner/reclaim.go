package cleaner

import (
	"context"
	"io"
)

// Kind tags a tracked resource and selects its default reclamation.
type Kind string

const (
	KindWorker     Kind = "worker"
	KindConnection Kind = "connection"
	KindQueue      Kind = "queue"
	KindFile       Kind = "file"
	KindTimer      Kind = "timer"
	KindCallback   Kind = "callback"
)

// ReclaimFunc releases a resource on behalf of its owner.
type ReclaimFunc func() error

type stopper interface {
	Stop()
}

type timerStopper interface {
	Stop() bool
}

// reclaimDefault applies the kind-specific reclamation to handle. Workers are
// signalled to stop, connections, queues and files are closed, timers are
// stopped and callbacks are invoked.
func reclaimDefault(kind Kind, handle any) error {
	if handle == nil {
		return nil
	}

	switch kind {
	case KindWorker:
		switch h := handle.(type) {
		case context.CancelFunc:
			h()
			return nil
		case stopper:
			h.Stop()
			return nil
		case chan struct{}:
			close(h)
			return nil
		}
	case KindConnection, KindQueue, KindFile:
		if c, ok := handle.(io.Closer); ok {
			return c.Close()
		}
	case KindTimer:
		switch h := handle.(type) {
		case timerStopper:
			h.Stop()
			return nil
		case stopper:
			h.Stop()
			return nil
		}
	case KindCallback:
		if fn, ok := handle.(func()); ok {
			fn()
			return nil
		}
	}

	// Unknown kinds fall back to whatever the handle supports.
	switch h := handle.(type) {
	case io.Closer:
		return h.Close()
	case timerStopper:
		h.Stop()
		return nil
	case stopper:
		h.Stop()
		return nil
	case context.CancelFunc:
		h()
		return nil
	case func():
		h()
		return nil
	}
	return ErrNoReclaimer
}
