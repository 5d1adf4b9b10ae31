package fleet

import (
	"context"
	"log/slog"
	"net/url"

	"github.com/jackc/pgx/v5"

	"fleetharness/internal/retry"
)

const defaultPostgresPort = 5432

// Postgres is the database service used by the server.
type Postgres struct {
	Service
	Database     string
	User         string
	Password     string
	InternalPort int
}

func NewPostgres(c Controller, name, database, user, password string, logger *slog.Logger) *Postgres {
	return &Postgres{
		Service:      NewService(c, name, logger),
		Database:     database,
		User:         user,
		Password:     password,
		InternalPort: defaultPostgresPort,
	}
}

// DSN is the connection string for the database on its published port.
func (p *Postgres) DSN(ctx context.Context) (string, error) {
	ep, err := p.Port(ctx, p.InternalPort)
	if err != nil {
		return "", err
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(p.User, p.Password),
		Host:     ep.String(),
		Path:     "/" + p.Database,
		RawQuery: "sslmode=disable",
	}
	return u.String(), nil
}

// Connect opens a connection to the database.
func (p *Postgres) Connect(ctx context.Context) (*pgx.Conn, error) {
	dsn, err := p.DSN(ctx)
	if err != nil {
		return nil, err
	}
	return pgx.Connect(ctx, dsn)
}

// WaitForReady waits for the container, then retries connecting and
// pinging until the database accepts queries.
func (p *Postgres) WaitForReady(ctx context.Context) error {
	if err := p.WaitForOperational(ctx); err != nil {
		return err
	}
	dsn, err := p.DSN(ctx)
	if err != nil {
		return err
	}
	cfg := p.Controller.RetryConfig().WithMsg("waiting for database %q in service %q", p.Database, p.Name)
	return retry.Wait(ctx, cfg, func() error {
		conn, err := pgx.Connect(ctx, dsn)
		if err != nil {
			return retry.NotReady("connect to database: %v", err)
		}
		defer conn.Close(ctx)
		if err := conn.Ping(ctx); err != nil {
			return retry.NotReady("ping database: %v", err)
		}
		return nil
	})
}
