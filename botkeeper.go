// Package botkeeper embeds the worker supervisor, its record store and its
// HTTP control surface in another program.
package botkeeper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/botkeeper/internal/auth"
	"github.com/loykin/botkeeper/internal/config"
	"github.com/loykin/botkeeper/internal/exchange"
	hfactory "github.com/loykin/botkeeper/internal/history/factory"
	"github.com/loykin/botkeeper/internal/logger"
	"github.com/loykin/botkeeper/internal/logstore"
	"github.com/loykin/botkeeper/internal/meta"
	"github.com/loykin/botkeeper/internal/metrics"
	"github.com/loykin/botkeeper/internal/server"
	"github.com/loykin/botkeeper/internal/store"
	sfactory "github.com/loykin/botkeeper/internal/store/factory"
	"github.com/loykin/botkeeper/internal/supervisor"
)

type (
	Config        = config.Config
	Supervisor    = supervisor.Supervisor
	Worker        = supervisor.Worker
	Status        = supervisor.Status
	CreateRequest = supervisor.CreateRequest
	UpdateRequest = supervisor.UpdateRequest
	BootReport    = supervisor.BootReport
	RecordStore   = store.RecordStore
)

var (
	ErrNotFound       = supervisor.ErrNotFound
	ErrAlreadyRunning = supervisor.ErrAlreadyRunning
	ErrNotRunning     = supervisor.ErrNotRunning
)

// LoadConfig reads a TOML file; an empty path means defaults plus
// BOTKEEPER_* environment overrides.
func LoadConfig(path string) (Config, error) { return config.Load(path) }

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config { return config.Default() }

// Instance is an assembled supervisor with its stores and router.
type Instance struct {
	cfg     Config
	log     *slog.Logger
	logCl   io.Closer
	sup     *supervisor.Supervisor
	records store.RecordStore
	router  *server.Router
}

// Option adjusts Open.
type Option func(*openOptions)

type openOptions struct {
	logger *slog.Logger
	reg    prometheus.Registerer
}

// WithLogger uses l instead of building one from cfg.Log.
func WithLogger(l *slog.Logger) Option { return func(o *openOptions) { o.logger = l } }

// WithRegisterer registers metrics on r instead of the default registry.
func WithRegisterer(r prometheus.Registerer) Option { return func(o *openOptions) { o.reg = r } }

// Open assembles every component described by cfg. Workers are not
// started until Boot.
func Open(cfg Config, opts ...Option) (_ *Instance, err error) {
	o := openOptions{reg: prometheus.DefaultRegisterer}
	for _, fn := range opts {
		fn(&o)
	}
	in := &Instance{cfg: cfg}
	if o.logger != nil {
		in.log = o.logger
	} else if in.log, in.logCl, err = logger.New(cfg.Log); err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	defer func() {
		if err != nil {
			_ = in.Close()
		}
	}()

	workerEnv, err := cfg.Workers.Environment()
	if err != nil {
		return nil, err
	}
	backend, err := meta.Open(cfg.Meta)
	if err != nil {
		return nil, err
	}
	bridge := meta.NewBridge(backend, in.log)
	logs, err := logstore.New(logstore.Options{
		Dir:           cfg.Logs.Dir,
		BufferSize:    cfg.Logs.BufferSize,
		MaxFileSizeMB: cfg.Logs.MaxFileSizeMB,
		Logger:        in.log,
	})
	if err != nil {
		_ = bridge.Close()
		return nil, err
	}
	hist, herr := hfactory.NewRecorder(in.log, cfg.History.Sinks)
	if herr != nil {
		in.log.Warn("some history sinks are unavailable", "error", herr)
	}
	in.sup, err = supervisor.New(supervisor.Options{
		WorkersDir:       cfg.Workers.Dir,
		ScriptExt:        cfg.Workers.ScriptExt,
		Interpreter:      cfg.Workers.Interpreter,
		Env:              workerEnv,
		Grace:            cfg.Workers.Grace,
		RunDir:           cfg.Workers.RunDir,
		RotationSchedule: cfg.Logs.RotationSchedule,
		UsageSchedule:    cfg.Workers.UsageSchedule,
		TimeZone:         cfg.Logs.TimeZone,
		Logs:             logs,
		Meta:             bridge,
		History:          hist,
		Logger:           in.log,
	})
	if err != nil {
		_ = hist.Close()
		_ = logs.Close()
		_ = bridge.Close()
		return nil, err
	}

	var rec *exchange.Reconciler
	if cfg.Store.DSN != "" {
		if in.records, err = sfactory.NewFromDSN(cfg.Store.DSN); err != nil {
			return nil, fmt.Errorf("record store: %w", err)
		}
		if err := in.records.EnsureSchema(context.Background()); err != nil {
			return nil, fmt.Errorf("record store schema: %w", err)
		}
		book := exchange.NewPaperBook(cfg.Exchange.PaperCash, exchange.WithFeeRate(cfg.Exchange.PaperFeeRate))
		if rec, err = exchange.NewReconciler(in.records, book.Dial, in.log); err != nil {
			return nil, err
		}
	}

	gate, err := auth.New(cfg.Auth)
	if err != nil {
		return nil, err
	}
	if !gate.Enabled() {
		in.log.Warn("no users or tokens configured, the control API is open")
	}
	if cfg.Metrics.Enabled {
		if err := metrics.Register(o.reg); err != nil {
			return nil, fmt.Errorf("metrics: %w", err)
		}
	}
	in.router, err = server.NewRouter(server.Options{
		BasePath:   cfg.Server.BasePath,
		Supervisor: in.sup,
		Records:    in.records,
		Reconciler: rec,
		Gate:       gate,
		Metrics:    cfg.Metrics.Enabled,
		Logger:     in.log,
	})
	if err != nil {
		return nil, err
	}
	return in, nil
}

// Boot resumes the workers that should be running and starts the log
// rotation schedule.
func (in *Instance) Boot(ctx context.Context) (BootReport, error) {
	rep, err := in.sup.Boot(ctx)
	for _, r := range rep.Results {
		if r.Err != "" {
			in.log.Warn("worker not resumed", "worker", r.ID, "name", r.Name, "reason", r.Err)
		}
	}
	return rep, err
}

func (in *Instance) Supervisor() *Supervisor  { return in.sup }
func (in *Instance) Records() RecordStore     { return in.records }
func (in *Instance) Logger() *slog.Logger     { return in.log }
func (in *Instance) Config() Config           { return in.cfg }
func (in *Instance) Handler() http.Handler    { return in.router.Handler() }
func (in *Instance) Mount(g *gin.RouterGroup) { in.router.Mount(g) }

// NewServer returns an http.Server for the configured listen address.
func (in *Instance) NewServer() *http.Server {
	return server.NewServer(in.cfg.Server.Listen, in.Handler())
}

// Close stops every worker and releases storage. It may be called on a
// partly opened Instance and more than once.
func (in *Instance) Close() error {
	var errs []error
	if in.sup != nil {
		errs = append(errs, in.sup.Shutdown())
	}
	if in.records != nil {
		errs = append(errs, in.records.Close())
		in.records = nil
	}
	if in.logCl != nil {
		errs = append(errs, in.logCl.Close())
		in.logCl = nil
	}
	return errors.Join(errs...)
}
