package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// workerKillGrace is how long past the slot deadline the pool waits for a
// worker's reply before deciding the in-worker interrupt failed and killing
// the process.
const workerKillGrace = 50 * time.Millisecond

// Pool is a fixed-size set of pre-forked worker subprocesses speaking
// line-delimited JSON over stdin/stdout, one in-flight request per worker.
// Acquisition queues: concurrent callers beyond WorkerCount wait their turn.
// A worker that is killed, crashes, or misbehaves never serves another
// request; a replacement is spawned in its place.
type Pool struct {
	cfg    Config
	logger zerolog.Logger

	workers chan *procWorker
	mu      sync.Mutex
	closed  bool
}

type procWorker struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	enc    *json.Encoder
	dec    *json.Decoder
}

// NewPool pre-forks cfg.WorkerCount workers. With an empty WorkerBinary the
// pool re-executes the current binary with --sandbox-worker, which every
// slotbox command handles before anything else.
func NewPool(cfg Config, logger zerolog.Logger) (*Pool, error) {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 1
	}
	p := &Pool{
		cfg:     cfg,
		logger:  logger,
		workers: make(chan *procWorker, cfg.WorkerCount),
	}
	for i := 0; i < cfg.WorkerCount; i++ {
		w, err := p.spawn()
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("starting sandbox worker: %w", err)
		}
		p.workers <- w
	}
	return p, nil
}

func (p *Pool) spawn() (*procWorker, error) {
	binary := p.cfg.WorkerBinary
	var args []string
	if binary == "" {
		binary = os.Args[0]
		args = []string{"--sandbox-worker"}
	}

	cmd := exec.Command(binary, args...)
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("SLOTBOX_SANDBOX_MAX_MEMORY_MB=%d", p.cfg.MaxMemoryMB),
	)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	return &procWorker{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		enc:    json.NewEncoder(stdin),
		dec:    json.NewDecoder(stdout),
	}, nil
}

// Execute sends one request to a worker and waits for its reply, the
// deadline, or cancellation. On deadline or crash the worker is killed and
// replaced before the call returns.
func (p *Pool) Execute(ctx context.Context, req ExecRequest) (*ExecResult, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	p.mu.Unlock()

	var w *procWorker
	select {
	case w = <-p.workers:
		if w == nil {
			return nil, ErrPoolClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	healthy := false
	defer func() {
		if healthy {
			p.release(w)
		} else {
			w.kill()
			p.replace()
		}
	}()

	wireReq, err := newWorkerRequest(req)
	if err != nil {
		healthy = true // nothing was sent; the worker is untouched
		return nil, &ExecError{Message: err.Error()}
	}

	if err := w.enc.Encode(wireReq); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWorkerCrashed, err)
	}

	type decoded struct {
		resp workerResponse
		err  error
	}
	replyCh := make(chan decoded, 1)
	go func() {
		var resp workerResponse
		err := w.dec.Decode(&resp)
		replyCh <- decoded{resp: resp, err: err}
	}()

	timer := time.NewTimer(req.Timeout + workerKillGrace)
	defer timer.Stop()

	select {
	case d := <-replyCh:
		if d.err != nil {
			return nil, fmt.Errorf("%w: %v", ErrWorkerCrashed, d.err)
		}
		if d.resp.ID != wireReq.ID {
			return nil, fmt.Errorf("%w: response %q does not match request %q", ErrWorkerCrashed, d.resp.ID, wireReq.ID)
		}
		healthy = true
		return interpretResponse(d.resp)
	case <-timer.C:
		// The in-worker interrupt should have resolved this already;
		// the worker is wedged. SIGKILL, then replace.
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// interpretResponse maps a worker reply to the host outcome classes.
func interpretResponse(resp workerResponse) (*ExecResult, error) {
	switch {
	case resp.OK:
		var data interface{}
		if len(resp.Data) > 0 {
			if err := json.Unmarshal(resp.Data, &data); err != nil {
				return nil, fmt.Errorf("%w: bad result payload: %v", ErrWorkerCrashed, err)
			}
		}
		return &ExecResult{Data: data, ExecTimeMs: resp.ExecTimeMs}, nil
	case resp.Kind == workerErrTimeout:
		return nil, ErrTimeout
	default:
		return nil, &ExecError{Message: resp.Error}
	}
}

func (p *Pool) release(w *procWorker) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		w.kill()
		return
	}
	p.workers <- w
}

func (p *Pool) replace() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	w, err := p.spawn()
	if err != nil {
		// Capacity shrinks until the dispatcher swaps the whole host.
		p.logger.Error().Err(err).Msg("failed to replace sandbox worker")
		return
	}
	p.workers <- w
	p.logger.Debug().Msg("replaced sandbox worker")
}

// Close kills every worker. In-flight executions finish their protocol
// exchange and their workers are killed on release.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	close(p.workers)
	for w := range p.workers {
		w.kill()
	}
	return nil
}

func (w *procWorker) kill() {
	if w.cmd.Process != nil {
		_ = w.cmd.Process.Kill()
	}
	// Reap asynchronously; the reader goroutine is failing out anyway.
	go func() { _ = w.cmd.Wait() }()
}
