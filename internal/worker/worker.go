package worker

import "errors"

// ErrStopped is returned when posting to a worker that has exited.
var ErrStopped = errors.New("worker stopped")

// Worker is an isolated execution context running one task at a time.
type Worker interface {
	ID() string
	// Post hands a request to the worker. The caller guarantees at most one
	// outstanding request.
	Post(req Request) error
	// Messages is closed when the worker exits.
	Messages() <-chan Message
	// Err returns the exit cause once Messages is closed. It is nil when the
	// worker was stopped with Terminate.
	Err() error
	Terminate()
}

// Spawner creates workers.
type Spawner interface {
	Spawn(id string) (Worker, error)
}

// SpawnFunc adapts a function to the Spawner interface.
type SpawnFunc func(id string) (Worker, error)

// Spawn calls f(id).
func (f SpawnFunc) Spawn(id string) (Worker, error) {
	return f(id)
}
