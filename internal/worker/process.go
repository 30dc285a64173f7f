package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"predictd/internal/errs"
	"predictd/internal/feature"
)

const (
	defaultStopGrace = 2 * time.Second
	stderrTailBytes  = 4096
)

// ProcessConfig describes how to spawn a worker subprocess. The child must
// run Serve on its stdin/stdout.
type ProcessConfig struct {
	Binary    string
	Args      []string
	Env       []string
	Device    string
	StopGrace time.Duration
	Logger    zerolog.Logger
}

// ProcessExecutor runs the replica in a dedicated OS process, one per device.
// A timed-out or broken process is killed and respawned on the next Load.
type ProcessExecutor struct {
	cfg ProcessConfig

	mu   sync.Mutex
	proc *workerProc
	seq  uint64
}

type workerProc struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	enc     *json.Encoder
	replies chan response
	exited  chan struct{}
	exitErr error
	stderr  *tailBuffer
}

func NewProcessExecutor(cfg ProcessConfig) *ProcessExecutor {
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = defaultStopGrace
	}
	return &ProcessExecutor{cfg: cfg}
}

// PID reports the current child process id, or 0.
func (p *ProcessExecutor) PID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.proc == nil {
		return 0
	}
	return p.proc.cmd.Process.Pid
}

func (p *ProcessExecutor) Load(ctx context.Context, spec LoadSpec) (LoadInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.proc != nil {
		p.stopLocked()
	}
	if err := p.spawnLocked(); err != nil {
		return LoadInfo{}, errs.New(errs.KindArtifactLoad, "spawn worker", err).OnDevice(p.cfg.Device)
	}
	resp, err := p.callLocked(ctx, request{Op: opLoad, Load: &spec})
	if err != nil {
		p.stopLocked()
		return LoadInfo{}, err
	}
	if rerr := resp.err("load", p.cfg.Device); rerr != nil {
		p.stopLocked()
		return LoadInfo{}, rerr
	}
	info := LoadInfo{}
	if resp.Info != nil {
		info = *resp.Info
	}
	return info, nil
}

func (p *ProcessExecutor) Execute(ctx context.Context, b *feature.Batch) (*feature.Output, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.proc == nil {
		return nil, errs.Newf(errs.KindExecution, "execute", "worker process not running").OnDevice(p.cfg.Device)
	}
	resp, err := p.callLocked(ctx, request{Op: opExecute, Batch: toWire(b)})
	if err != nil {
		return nil, err
	}
	if rerr := resp.err("execute", p.cfg.Device); rerr != nil {
		return nil, rerr
	}
	if resp.Output == nil {
		return nil, errs.Newf(errs.KindExecution, "execute", "worker returned no output").OnDevice(p.cfg.Device)
	}
	out, err := resp.Output.decode()
	if err != nil {
		return nil, errs.New(errs.KindExecution, "execute", err).OnDevice(p.cfg.Device)
	}
	return out, nil
}

func (p *ProcessExecutor) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.proc == nil {
		return nil
	}
	_ = p.proc.enc.Encode(request{Op: opShutdown})
	p.stopLocked()
	return nil
}

func (p *ProcessExecutor) spawnLocked() error {
	cmd := exec.Command(p.cfg.Binary, p.cfg.Args...)
	if len(p.cfg.Env) > 0 {
		cmd.Env = p.cfg.Env
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	tail := newTailBuffer(stderrTailBytes)
	cmd.Stderr = tail
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", p.cfg.Binary, err)
	}
	proc := &workerProc{
		cmd:     cmd,
		stdin:   stdin,
		enc:     json.NewEncoder(stdin),
		replies: make(chan response, 1),
		exited:  make(chan struct{}),
		stderr:  tail,
	}
	go func() {
		dec := json.NewDecoder(stdout)
		for {
			var resp response
			if err := dec.Decode(&resp); err != nil {
				break
			}
			proc.replies <- resp
		}
		proc.exitErr = cmd.Wait()
		close(proc.exited)
	}()
	p.proc = proc
	p.cfg.Logger.Info().Str("device", p.cfg.Device).Int("pid", cmd.Process.Pid).Msg("event=worker_spawn")
	return nil
}

func (p *ProcessExecutor) callLocked(ctx context.Context, req request) (response, error) {
	proc := p.proc
	p.seq++
	req.Seq = p.seq
	if err := proc.enc.Encode(req); err != nil {
		p.stopLocked()
		return response{}, errs.New(errs.KindExecution, req.Op, fmt.Errorf("write frame: %w", err)).OnDevice(p.cfg.Device)
	}
	for {
		select {
		case resp := <-proc.replies:
			if resp.Seq != req.Seq {
				continue
			}
			return resp, nil
		case <-proc.exited:
			p.proc = nil
			return response{}, errs.Newf(errs.KindExecution, req.Op, "worker exited: %v; stderr tail: %s", proc.exitErr, proc.stderr.String()).OnDevice(p.cfg.Device)
		case <-ctx.Done():
			p.cfg.Logger.Warn().Str("device", p.cfg.Device).Str("op", req.Op).Int("pid", proc.cmd.Process.Pid).Msg("event=worker_kill reason=deadline")
			p.killLocked()
			return response{}, timeoutErr(ctx, p.cfg.Device)
		}
	}
}

// stopLocked closes stdin, waits up to StopGrace and then kills the child.
func (p *ProcessExecutor) stopLocked() {
	proc := p.proc
	p.proc = nil
	if proc == nil {
		return
	}
	_ = proc.stdin.Close()
	select {
	case <-proc.exited:
	case <-time.After(p.cfg.StopGrace):
		_ = proc.cmd.Process.Kill()
		<-proc.exited
	}
	p.cfg.Logger.Info().Str("device", p.cfg.Device).Int("pid", proc.cmd.Process.Pid).Msg("event=worker_stop")
}

// killLocked terminates the child without waiting for it to finish its
// current frame.
func (p *ProcessExecutor) killLocked() {
	proc := p.proc
	p.proc = nil
	if proc == nil {
		return
	}
	_ = proc.cmd.Process.Kill()
	<-proc.exited
}

// tailBuffer keeps the last n bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	n   int
	buf []byte
}

func newTailBuffer(n int) *tailBuffer { return &tailBuffer{n: n} }

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.n; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}

var _ Executor = (*ProcessExecutor)(nil)
