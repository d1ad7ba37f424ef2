package extract

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/local/ocrpipeline/internal/errs"
)

type result struct {
	text string
	err  error
}

type task struct {
	fn   func() (string, error)
	done chan result
}

// Pool runs text extraction on a fixed set of workers. MuPDF text walks
// are CPU-bound and must not fan out with the page goroutines, so every
// extraction in the process funnels through one Pool instance.
//
// A panic inside a task marks the whole pool broken: extraction state is
// assumed corrupted and every later submission fails with a fatal error
// so the process stops instead of degrading every page to fallback.
type Pool struct {
	tasks chan task
	quit  chan struct{}

	brokenOnce sync.Once
	broken     chan struct{}
}

func NewPool(workers int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	p := &Pool{
		tasks:  make(chan task),
		quit:   make(chan struct{}),
		broken: make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		go p.worker(i)
	}
	log.Info().Int("workers", workers).Msg("extraction pool started")
	return p
}

func (p *Pool) worker(id int) {
	for {
		select {
		case <-p.quit:
			return
		case <-p.broken:
			return
		case t := <-p.tasks:
			p.run(id, t)
		}
	}
}

func (p *Pool) run(id int, t task) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Int("worker", id).Interface("panic", r).Msg("extraction worker panicked, marking pool broken")
			p.markBroken()
			t.done <- result{err: errs.Fatal("extraction pool", fmt.Errorf("worker panic: %v: %w", r, errs.ErrPoolClosed))}
		}
	}()
	text, err := t.fn()
	t.done <- result{text: text, err: err}
}

func (p *Pool) markBroken() {
	p.brokenOnce.Do(func() { close(p.broken) })
}

// Healthy reports whether the pool still accepts work.
func (p *Pool) Healthy() bool {
	select {
	case <-p.broken:
		return false
	default:
		return true
	}
}

// Close stops the workers. Pending submissions fail as if the pool
// broke; Close is for shutdown, not routine use.
func (p *Pool) Close() {
	close(p.quit)
	p.markBroken()
}

// Submit runs fn on the pool and returns its result. Submissions to a
// broken pool fail immediately with a fatal pool-closed error.
func (p *Pool) Submit(ctx context.Context, fn func() (string, error)) (string, error) {
	select {
	case <-p.broken:
		return "", errs.Fatal("extraction pool", errs.ErrPoolClosed)
	default:
	}

	t := task{fn: fn, done: make(chan result, 1)}
	select {
	case p.tasks <- t:
	case <-p.broken:
		return "", errs.Fatal("extraction pool", errs.ErrPoolClosed)
	case <-ctx.Done():
		return "", ctx.Err()
	}

	select {
	case r := <-t.done:
		return r.text, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
