package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"lossly-go/internal/task"
)

const maxLineSize = 4 << 20

// IDEnv carries the pool-assigned worker id into a child process.
const IDEnv = "LOSSLY_WORKER_ID"

// ProcessSpawner runs each worker as a child process speaking the
// line-delimited JSON protocol over stdin/stdout.
type ProcessSpawner struct {
	// Executable defaults to the running binary.
	Executable string
	Args       []string
	Env        []string
	Log        *logrus.Logger
}

// Spawn starts a child worker process.
func (s *ProcessSpawner) Spawn(id string) (Worker, error) {
	exe := s.Executable
	if exe == "" {
		var err error
		exe, err = os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve executable: %w", err)
		}
	}

	cmd := exec.Command(exe, s.Args...)
	cmd.Env = append(os.Environ(), s.Env...)
	cmd.Env = append(cmd.Env, IDEnv+"="+id)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr := &tailBuffer{limit: 4096}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker process: %w", err)
	}

	w := &processWorker{
		id:     id,
		cmd:    cmd,
		stdin:  stdin,
		stderr: stderr,
		msgs:   make(chan Message, 64),
		log:    s.Log,
	}
	go w.readLoop(stdout)
	return w, nil
}

type processWorker struct {
	id     string
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stderr *tailBuffer
	msgs   chan Message
	log    *logrus.Logger

	writeMu    sync.Mutex
	terminated atomic.Bool
	exited     atomic.Bool

	mu  sync.Mutex
	err error
}

func (w *processWorker) ID() string               { return w.id }
func (w *processWorker) Messages() <-chan Message { return w.msgs }

func (w *processWorker) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

func (w *processWorker) Post(req Request) error {
	if w.exited.Load() || w.terminated.Load() {
		return ErrStopped
	}
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if _, err := w.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("%w: write request: %v", ErrStopped, err)
	}
	return nil
}

func (w *processWorker) Terminate() {
	if !w.terminated.CompareAndSwap(false, true) {
		return
	}
	_ = w.stdin.Close()
	if w.cmd.Process != nil {
		_ = w.cmd.Process.Kill()
	}
}

func (w *processWorker) readLoop(stdout io.Reader) {
	defer close(w.msgs)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		var m Message
		if err := json.Unmarshal(scanner.Bytes(), &m); err != nil {
			continue
		}
		if m.Type == TypeLog {
			if w.log != nil {
				w.log.WithField("worker_id", w.id).Debug(m.Log)
			}
			continue
		}
		w.msgs <- m
	}

	waitErr := w.cmd.Wait()
	w.exited.Store(true)
	if w.terminated.Load() {
		return
	}

	var fault error
	if waitErr != nil {
		fault = fmt.Errorf("%w: worker %s exited: %v", task.ErrWorkerFault, w.id, waitErr)
	} else {
		fault = fmt.Errorf("%w: worker %s exited unexpectedly", task.ErrWorkerFault, w.id)
	}
	if tail := strings.TrimSpace(w.stderr.String()); tail != "" {
		fault = fmt.Errorf("%w: %s", fault, tail)
	}
	w.mu.Lock()
	w.err = fault
	w.mu.Unlock()
}

// ServeProcess is the child side of ProcessSpawner: it reads requests from r,
// runs them one at a time and writes messages to w.
func ServeProcess(ctx context.Context, r io.Reader, w io.Writer, h *Handler) error {
	enc := json.NewEncoder(w)
	var encMu sync.Mutex
	emit := func(m Message) {
		encMu.Lock()
		defer encMu.Unlock()
		_ = enc.Encode(m)
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		var req Request
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			emit(Message{Type: TypeLog, Log: fmt.Sprintf("discarding malformed request: %v", err)})
			continue
		}
		h.Handle(ctx, req, emit)
	}
	return scanner.Err()
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.limit; over > 0 {
		b.buf = b.buf[over:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
