// Package lifecycle coordinates graceful shutdown: once draining, health
// flips unhealthy, new websocket sessions are refused, and shutdown waits
// for the active ones to finish.
package lifecycle

import (
	"sync"
	"sync/atomic"
	"time"
)

type Lifecycle struct {
	draining atomic.Bool

	mu     sync.Mutex
	active int
	idle   chan struct{}
}

func New() *Lifecycle {
	l := &Lifecycle{idle: make(chan struct{})}
	close(l.idle)
	return l
}

func (l *Lifecycle) SetDraining(draining bool) {
	if l == nil {
		return
	}
	l.draining.Store(draining)
}

func (l *Lifecycle) IsDraining() bool {
	if l == nil {
		return false
	}
	return l.draining.Load()
}

// SessionStarted registers one live websocket session. It returns false when
// the server is draining and the session should be refused.
func (l *Lifecycle) SessionStarted() bool {
	if l == nil {
		return true
	}
	if l.draining.Load() {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active == 0 {
		l.idle = make(chan struct{})
	}
	l.active++
	return true
}

func (l *Lifecycle) SessionEnded() {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active == 0 {
		return
	}
	l.active--
	if l.active == 0 {
		close(l.idle)
	}
}

// ActiveSessions reports the number of registered sessions.
func (l *Lifecycle) ActiveSessions() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active
}

// DrainAndWait flips into draining and blocks until all sessions end or the
// timeout expires. It reports whether the server went fully idle.
func (l *Lifecycle) DrainAndWait(timeout time.Duration) bool {
	if l == nil {
		return true
	}
	l.draining.Store(true)

	l.mu.Lock()
	idle := l.idle
	l.mu.Unlock()

	select {
	case <-idle:
		return true
	case <-time.After(timeout):
		return false
	}
}
