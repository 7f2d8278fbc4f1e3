package sim

import (
	"errors"
	"sync"
)

var ErrLineBusy = errors.New("sim: interrupt line already has a handler")

// Line is a simulated interrupt line. Raising it runs the installed
// handler on the raising goroutine. A raise that arrives while the handler
// runs is latched and delivered once the handler returns, so the handler
// never runs concurrently with itself.
type Line struct {
	mu      sync.Mutex
	idle    *sync.Cond
	request func() error

	handler func() bool
	active  bool
	latched bool

	raised    int
	handled   int
	unhandled int
}

func newLine(request func() error) *Line {
	l := &Line{request: request}
	l.idle = sync.NewCond(&l.mu)
	return l
}

func (l *Line) Request(handler func() bool) error {
	if err := l.request(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.handler != nil {
		return ErrLineBusy
	}
	l.handler = handler
	return nil
}

// Free removes the handler and waits for a running invocation to return.
func (l *Line) Free() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.handler == nil {
		return errors.New("sim: freeing an interrupt line without a handler")
	}
	l.handler = nil
	for l.active {
		l.idle.Wait()
	}
	return nil
}

// Raise asserts the line.
func (l *Line) Raise() {
	l.mu.Lock()
	l.raised++
	if l.active {
		l.latched = true
		l.mu.Unlock()
		return
	}
	l.active = true
	for {
		l.latched = false
		h := l.handler
		l.mu.Unlock()

		ok := h != nil && h()

		l.mu.Lock()
		if ok {
			l.handled++
		} else {
			l.unhandled++
		}
		if !l.latched {
			break
		}
	}
	l.active = false
	l.idle.Broadcast()
	l.mu.Unlock()
}

// Requested reports whether a handler is installed.
func (l *Line) Requested() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.handler != nil
}

// Counts returns how often the line was raised and how many of the
// handler invocations claimed the interrupt.
func (l *Line) Counts() (raised, handled, unhandled int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.raised, l.handled, l.unhandled
}
