package programmer

import (
	"context"
	"sync"
	"time"
)

// scope is the cancellation bracket of one operation. The operation calls
// finish when it returns; a superseding operation calls stop to cancel it
// and wait for that.
type scope struct {
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func newScope(parent context.Context) *scope {
	ctx, cancel := context.WithCancel(parent)
	return &scope{ctx: ctx, cancel: cancel, done: make(chan struct{})}
}

// live reports whether the scope has not been cancelled.
func (s *scope) live() bool {
	return s != nil && s.ctx.Err() == nil
}

func (s *scope) finish() {
	s.once.Do(func() {
		s.cancel()
		close(s.done)
	})
}

// abort cancels without waiting. Safe on a nil scope.
func (s *scope) abort() {
	if s != nil {
		s.cancel()
	}
}

// stop cancels and waits for the operation to finish. Safe on a nil scope.
// Must not be called with p.mu held or from the scope's own goroutine.
func (s *scope) stop() {
	if s == nil {
		return
	}
	s.cancel()
	<-s.done
}

// sleep waits for d or until the scope is cancelled.
func (s *scope) sleep(d time.Duration) error {
	if d <= 0 {
		return s.ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-s.ctx.Done():
		return s.ctx.Err()
	case <-t.C:
		return nil
	}
}
