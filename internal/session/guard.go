package session

import "context"

// flight is one running guarded operation. done is closed when it finishes;
// err is only read after that.
type flight struct {
	done chan struct{}
	err  error
}

// wait blocks until f finishes or ctx ends.
func (f *flight) wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-f.done:
		return f.err
	}
}

// guard admits one flight at a time for an operation class. All methods
// must be called with the Manager's mutex held.
type guard struct {
	cur *flight
}

func (g *guard) active() bool { return g.cur != nil }

func (g *guard) begin() *flight {
	f := &flight{done: make(chan struct{})}
	g.cur = f
	return f
}

// release frees the guard without finishing the flight, so the next caller
// starts a new one. The old flight still ends normally.
func (g *guard) release() { g.cur = nil }

// end finishes f and frees the guard if f still holds it.
func (g *guard) end(f *flight, err error) {
	f.err = err
	close(f.done)
	if g.cur == f {
		g.cur = nil
	}
}
