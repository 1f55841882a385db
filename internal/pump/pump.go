package pump

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/loykin/botkeeper/internal/metrics"
	"github.com/loykin/botkeeper/internal/process"
)

// cancelWait bounds how long Close waits for cancelled readers.
const cancelWait = time.Second

// LineSink receives captured worker output.
type LineSink interface {
	Append(id, line string)
	AppendSystem(id, msg string)
}

// Exit describes the end of one worker run as observed by its pump.
type Exit struct {
	ID        string
	PID       int
	Code      int
	Requested bool // Stop was called on the handle
	StartedAt time.Time
	ExitedAt  time.Time
	Lines     int64
}

// Crashed reports whether the worker ended without being asked to.
func (e Exit) Crashed() bool { return !e.Requested }

// Options configures a Pump.
type Options struct {
	Logs   LineSink
	OnExit func(Exit)
	Logger *slog.Logger
}

// Pump runs one reader goroutine per attached worker. Each reader drains
// the worker's merged output into the log sink until end of stream, then
// records a single exit line. Readers never restart workers.
type Pump struct {
	logs   LineSink
	onExit func(Exit)
	log    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	active map[string]*reader
}

type reader struct {
	h    *process.Handle
	done chan struct{}
}

// New creates a Pump whose readers are cancelled when ctx is done or
// Close is called.
func New(ctx context.Context, opts Options) (*Pump, error) {
	if opts.Logs == nil {
		return nil, errors.New("pump: nil log sink")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	cctx, cancel := context.WithCancel(ctx)
	return &Pump{
		logs:   opts.Logs,
		onExit: opts.OnExit,
		log:    opts.Logger,
		ctx:    cctx,
		cancel: cancel,
		active: make(map[string]*reader),
	}, nil
}

// Attach starts draining h's output in the background.
func (p *Pump) Attach(h *process.Handle) {
	rd := &reader{h: h, done: make(chan struct{})}
	p.mu.Lock()
	p.active[h.ID()] = rd
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer close(rd.done)
		p.run(h)
	}()
}

func (p *Pump) run(h *process.Handle) {
	id := h.ID()
	out := h.Output()
	// cancellation closes the read end, which unblocks the pending read
	stop := context.AfterFunc(p.ctx, func() { _ = out.Close() })
	defer stop()
	defer func() { _ = out.Close() }()
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("pump panic", "worker", id, "panic", r)
		}
	}()

	if err := p.copyLines(id, h, out); err != nil && !errors.Is(err, os.ErrClosed) {
		p.log.Warn("pump read error", "worker", id, "error", err)
	}

	select {
	case <-h.Done():
	case <-p.ctx.Done():
		// a worker that is still running gets no exit line
		select {
		case <-h.Done():
		default:
			p.forget(id, h)
			return
		}
	}
	code, _ := h.ExitCode()
	p.logs.AppendSystem(id, fmt.Sprintf("process exited with code %d", code))
	st := h.Snapshot()
	ex := Exit{
		ID:        id,
		PID:       h.PID(),
		Code:      code,
		Requested: h.StopRequested(),
		StartedAt: st.StartedAt,
		ExitedAt:  st.ExitedAt,
		Lines:     st.Lines,
	}
	p.forget(id, h)
	if ex.Crashed() {
		p.log.Warn("worker exited unexpectedly", "worker", id, "pid", ex.PID, "code", code)
	} else {
		p.log.Debug("worker exited", "worker", id, "pid", ex.PID, "code", code)
	}
	if p.onExit != nil {
		p.onExit(ex)
	}
}

func (p *Pump) copyLines(id string, h *process.Handle, r io.Reader) error {
	br := bufio.NewReaderSize(r, 64*1024)
	for {
		line, err := br.ReadString('\n')
		if s := cleanLine(line); s != "" {
			p.logs.Append(id, s)
			h.AddLine()
			metrics.IncLogLine(id)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

// cleanLine strips the line terminator and trailing blanks and replaces
// invalid UTF-8. Whitespace-only lines come back empty.
func cleanLine(s string) string {
	s = strings.TrimRight(s, " \t\r\n")
	if strings.TrimSpace(s) == "" {
		return ""
	}
	return strings.ToValidUTF8(s, "�")
}

func (p *Pump) forget(id string, h *process.Handle) {
	p.mu.Lock()
	if rd := p.active[id]; rd != nil && rd.h == h {
		delete(p.active, id)
	}
	p.mu.Unlock()
}

// WaitWorker blocks until the reader attached for id has finished, or ctx
// is done. It returns nil at once when no reader is attached.
func (p *Pump) WaitWorker(ctx context.Context, id string) error {
	p.mu.Lock()
	rd := p.active[id]
	p.mu.Unlock()
	if rd == nil {
		return nil
	}
	select {
	case <-rd.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Active returns the number of attached readers that have not finished.
func (p *Pump) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

// Wait blocks until every reader has finished or ctx is done.
func (p *Pump) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close waits up to timeout for every reader to reach end of stream, then
// cancels the readers still attached and waits cancelWait for them.
func (p *Pump) Close(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	err := p.Wait(ctx)
	cancel()
	p.cancel()
	if err == nil {
		return nil
	}
	p.log.Warn("pump drain timed out, cancelling readers", "active", p.Active())
	ctx, cancel = context.WithTimeout(context.Background(), cancelWait)
	defer cancel()
	return p.Wait(ctx)
}
