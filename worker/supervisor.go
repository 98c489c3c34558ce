package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"murmur/apperr"
	"murmur/log"
)

const (
	defaultHandshakeTimeout = 2 * time.Minute
	stopGrace               = 2 * time.Second
)

var errHandshakeTimeout = errors.New("timed out waiting for worker handshake")

// Request is one transcription job. WAVPath is removed once the request
// finishes, whatever the outcome.
type Request struct {
	ModelID   string
	ModelPath string
	WAVPath   string
	Language  string
}

type Result struct {
	Text       string
	Language   string
	DurationMs int64
	WorkerPID  int
	Respawned  bool
}

type Options struct {
	// Command builds the worker command line for a model file.
	Command          func(modelPath string) *exec.Cmd
	HandshakeTimeout time.Duration
}

// SelfCommand re-executes the running binary in worker mode.
func SelfCommand(extra ...string) func(string) *exec.Cmd {
	return func(modelPath string) *exec.Cmd {
		exe, err := os.Executable()
		if err != nil {
			exe = os.Args[0]
		}
		args := append([]string{"-worker", "-model", modelPath}, extra...)
		return exec.Command(exe, args...)
	}
}

// Supervisor owns at most one worker process and serializes requests to it.
type Supervisor struct {
	command          func(string) *exec.Cmd
	handshakeTimeout time.Duration

	mu     sync.Mutex
	proc   *process
	spawns int
	closed bool
}

func NewSupervisor(opts Options) *Supervisor {
	s := &Supervisor{command: opts.Command, handshakeTimeout: opts.HandshakeTimeout}
	if s.command == nil {
		s.command = SelfCommand()
	}
	if s.handshakeTimeout <= 0 {
		s.handshakeTimeout = defaultHandshakeTimeout
	}
	return s
}

// Transcribe runs req on the worker, starting one if none is running or if
// the running one holds a different model.
func (s *Supervisor) Transcribe(ctx context.Context, req Request) (Result, error) {
	defer removeWAV(req.WAVPath)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Result{}, apperr.Newf(apperr.CodeWorkerCrashed, "Transcription worker stopped")
	}

	if s.proc != nil && s.proc.modelID != req.ModelID {
		log.Infof("model changed %s -> %s, restarting worker", s.proc.modelID, req.ModelID)
		s.proc.stop()
		s.proc = nil
	}
	respawned := false
	if s.proc == nil {
		p, err := s.spawn(ctx, req)
		if err != nil {
			return Result{}, err
		}
		s.proc = p
		respawned = s.spawns > 1
	}
	p := s.proc

	id := uuid.NewString()
	line, err := p.roundTrip(ctx, request{ID: id, WAV: req.WAVPath, Language: req.Language})
	if err != nil {
		return Result{}, s.crashed(err)
	}
	var resp response
	if err := json.Unmarshal(line, &resp); err != nil {
		return Result{}, s.crashed(fmt.Errorf("malformed response: %w", err))
	}
	if resp.ID != id {
		return Result{}, s.crashed(fmt.Errorf("response id %q does not match request %q", resp.ID, id))
	}
	if resp.Error != nil {
		return Result{}, resp.Error.toError()
	}
	return Result{
		Text:       resp.Text,
		Language:   resp.Language,
		DurationMs: resp.DurationMs,
		WorkerPID:  p.pid,
		Respawned:  respawned,
	}, nil
}

// crashed kills the current worker; the next request starts a new one.
func (s *Supervisor) crashed(cause error) error {
	if s.proc != nil {
		log.Warnf("worker %d failed: %v", s.proc.pid, cause)
		s.proc.kill()
		s.proc = nil
	}
	return apperr.Wrap(apperr.CodeWorkerCrashed, cause)
}

func (s *Supervisor) spawn(ctx context.Context, req Request) (*process, error) {
	p, err := start(s.command(req.ModelPath), req.ModelID)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeModelLoadFailed, err)
	}
	s.spawns++

	line, err := p.readLine(ctx, s.handshakeTimeout)
	if err != nil {
		p.kill()
		if ctx.Err() != nil {
			return nil, apperr.Wrap(apperr.CodeWorkerCrashed, ctx.Err())
		}
		if errors.Is(err, io.EOF) {
			err = fmt.Errorf("worker exited before handshake: %v", p.exitErr())
		}
		return nil, apperr.Wrap(apperr.CodeModelLoadFailed, err)
	}
	var hs handshake
	if err := json.Unmarshal(line, &hs); err != nil {
		p.kill()
		return nil, apperr.Wrap(apperr.CodeModelLoadFailed, fmt.Errorf("malformed handshake: %w", err))
	}
	if !hs.Ready {
		p.kill()
		msg := "worker not ready"
		if hs.Error != nil {
			msg = hs.Error.Message
		}
		return nil, apperr.Newf(apperr.CodeModelLoadFailed, "Model could not be loaded: %s", msg).
			WithDetail("model", req.ModelID)
	}
	log.Infof("worker %d ready (model %s)", p.pid, req.ModelID)
	return p, nil
}

// PID is the running worker's process id, 0 when none is running.
func (s *Supervisor) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc == nil {
		return 0
	}
	return s.proc.pid
}

// Spawns counts the worker processes started so far.
func (s *Supervisor) Spawns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spawns
}

// Close stops the worker. Later requests fail.
func (s *Supervisor) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.proc != nil {
		s.proc.stop()
		s.proc = nil
	}
}

func removeWAV(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warnf("remove %s: %v", path, err)
	}
}

type process struct {
	cmd     *exec.Cmd
	modelID string
	pid     int
	stdin   io.WriteCloser
	stdout  *os.File
	out     *bufio.Reader

	done    chan struct{}
	waitErr error
}

func start(cmd *exec.Cmd, modelID string) (*process, error) {
	isolate(cmd)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		outR.Close()
		outW.Close()
		return nil, err
	}
	cmd.Stdout = outW
	cmd.Stderr = errW

	err = cmd.Start()
	outW.Close()
	errW.Close()
	if err != nil {
		outR.Close()
		errR.Close()
		return nil, fmt.Errorf("start worker: %w", err)
	}

	p := &process{
		cmd:     cmd,
		modelID: modelID,
		pid:     cmd.Process.Pid,
		stdin:   stdin,
		stdout:  outR,
		out:     bufio.NewReader(outR),
		done:    make(chan struct{}),
	}
	go p.forwardStderr(errR)
	go func() {
		p.waitErr = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

func (p *process) forwardStderr(r *os.File) {
	defer r.Close()
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			log.Worker(p.pid, line)
		}
	}
}

type lineResult struct {
	line []byte
	err  error
}

// readLine reads one protocol line. Cancellation or timeout kills the
// worker so the pending read returns.
func (p *process) readLine(ctx context.Context, timeout time.Duration) ([]byte, error) {
	ch := make(chan lineResult, 1)
	go func() {
		line, err := p.out.ReadBytes('\n')
		ch <- lineResult{line, err}
	}()

	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	select {
	case r := <-ch:
		return r.line, r.err
	case <-ctx.Done():
		p.kill()
		<-ch
		return nil, ctx.Err()
	case <-expired:
		p.kill()
		<-ch
		return nil, errHandshakeTimeout
	}
}

func (p *process) roundTrip(ctx context.Context, req request) ([]byte, error) {
	b, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	if _, err := p.stdin.Write(append(b, '\n')); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}
	line, err := p.readLine(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return line, nil
}

func (p *process) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *process) exitErr() error {
	<-p.done
	if p.waitErr == nil {
		return errors.New("exit status 0")
	}
	return p.waitErr
}

// kill terminates the worker and reaps it.
func (p *process) kill() {
	if !p.exited() {
		killTree(p.cmd)
	}
	<-p.done
	p.stdin.Close()
	p.stdout.Close()
}

// stop asks the worker to exit by closing its stdin, then kills it if it
// lingers.
func (p *process) stop() {
	p.stdin.Close()
	select {
	case <-p.done:
	case <-time.After(stopGrace):
		log.Warnf("worker %d did not exit, killing", p.pid)
	}
	p.kill()
}
