package worker

import (
	"context"
	"fmt"
	"sync"

	"lossly-go/internal/task"
)

// LocalSpawner runs workers as goroutines in the current process.
type LocalSpawner struct {
	Handler *Handler
}

// Spawn starts a goroutine worker.
func (s *LocalSpawner) Spawn(id string) (Worker, error) {
	if s.Handler == nil {
		return nil, fmt.Errorf("local spawner: nil handler")
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &localWorker{
		id:      id,
		handler: s.Handler,
		tasks:   make(chan Request, 1),
		msgs:    make(chan Message, 64),
		ctx:     ctx,
		cancel:  cancel,
	}
	go w.run()
	return w, nil
}

type localWorker struct {
	id      string
	handler *Handler
	tasks   chan Request
	msgs    chan Message
	ctx     context.Context
	cancel  context.CancelFunc

	mu  sync.Mutex
	err error
}

func (w *localWorker) ID() string               { return w.id }
func (w *localWorker) Messages() <-chan Message { return w.msgs }
func (w *localWorker) Terminate()               { w.cancel() }

func (w *localWorker) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

func (w *localWorker) Post(req Request) error {
	select {
	case <-w.ctx.Done():
		return ErrStopped
	default:
	}
	select {
	case w.tasks <- req:
		return nil
	case <-w.ctx.Done():
		return ErrStopped
	}
}

func (w *localWorker) run() {
	defer close(w.msgs)
	for {
		select {
		case <-w.ctx.Done():
			return
		case req := <-w.tasks:
			if err := w.execute(req); err != nil {
				w.mu.Lock()
				w.err = err
				w.mu.Unlock()
				w.cancel()
				return
			}
		}
	}
}

// execute converts a panic inside the handler into a worker fault.
func (w *localWorker) execute(req Request) (fault error) {
	defer func() {
		if r := recover(); r != nil {
			fault = fmt.Errorf("%w: worker %s panicked: %v", task.ErrWorkerFault, w.id, r)
		}
	}()
	w.handler.Handle(w.ctx, req, w.emit)
	return nil
}

func (w *localWorker) emit(m Message) {
	select {
	case w.msgs <- m:
	case <-w.ctx.Done():
	}
}
