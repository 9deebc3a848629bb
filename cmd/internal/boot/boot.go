// Package boot holds the start-up and shutdown steps every genstudio binary
// shares: .env loading, config, the service logger, signal handling and the
// ordered release of clients.
package boot

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/angelmondragon/genstudio-backend/pkg/config"
	"github.com/angelmondragon/genstudio-backend/pkg/db"
	"github.com/angelmondragon/genstudio-backend/pkg/instance"
	"github.com/angelmondragon/genstudio-backend/pkg/logger"
	"github.com/angelmondragon/genstudio-backend/pkg/migrate"
	"github.com/angelmondragon/genstudio-backend/pkg/redis"
)

type closer struct {
	name string
	c    io.Closer
}

// Process is one running binary.
type Process struct {
	Name    string
	Config  *config.Config
	Logger  *logger.Logger
	closers []closer
	exit    func(int)
}

// Start loads .env (optional) and the environment, then builds the logger
// from GENSTUDIO_LOG_*. A config error is fatal.
func Start(name string) *Process {
	p := &Process{Name: name, Logger: logger.New(logger.Options{ServiceName: name}), exit: os.Exit}
	if err := godotenv.Load(); err != nil {
		p.Logger.Debug(context.Background(), "boot.no_dotenv")
	}
	cfg, err := config.Load()
	p.Must(context.Background(), "config", err)
	cfg.Service.Kind = name
	p.Config = cfg
	p.Logger = logger.New(logger.Options{
		ServiceName: name,
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})
	return p
}

// Context is cancelled on SIGINT or SIGTERM and carries the process fields.
func (p *Process) Context() (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	fields := map[string]any{"service_kind": p.Name, "instance": instance.GetID()}
	if p.Config != nil {
		fields["env"] = p.Config.App.Env
	}
	return p.Logger.WithFields(ctx, fields), stop
}

// Must stops the process when a start-up step failed, closing whatever was
// already opened.
func (p *Process) Must(ctx context.Context, step string, err error) {
	if err == nil {
		return
	}
	p.Logger.Error(p.Logger.WithField(ctx, "step", step), "boot.failed", fmt.Errorf("%s: %w", step, err))
	p.Close(ctx)
	p.exit(1)
}

// Track registers c to be closed by Close, in reverse order.
func (p *Process) Track(name string, c io.Closer) {
	p.closers = append(p.closers, closer{name: name, c: c})
}

func (p *Process) Close(ctx context.Context) {
	for i := len(p.closers) - 1; i >= 0; i-- {
		if err := p.closers[i].c.Close(); err != nil {
			p.Logger.Error(p.Logger.WithField(ctx, "client", p.closers[i].name), "boot.close_failed", err)
		}
	}
	p.closers = nil
}

// Database opens Postgres and applies pending migrations in dev.
func (p *Process) Database(ctx context.Context) *db.Client {
	client, err := db.New(ctx, p.Config.DB, p.Logger)
	p.Must(ctx, "database", err)
	p.Track("database", client)
	p.Must(ctx, "dev migrations", migrate.AutoRun(ctx, p.Config, p.Logger, client))
	return client
}

func (p *Process) Redis(ctx context.Context) *redis.Client {
	client, err := redis.New(ctx, p.Config.Redis, p.Logger)
	p.Must(ctx, "redis", err)
	p.Track("redis", client)
	return client
}
