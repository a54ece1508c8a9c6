package audit

import (
	"context"
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/cockroachdb/errors"

	"github.com/lk2023060901/flock/pkg/database/postgres"
	"github.com/lk2023060901/flock/pkg/logger"
)

const schemaTmpl = `CREATE TABLE IF NOT EXISTS %[1]s (
	id          BIGSERIAL PRIMARY KEY,
	session_id  TEXT        NOT NULL,
	address     TEXT        NOT NULL,
	hostname    TEXT        NOT NULL DEFAULT '',
	event       TEXT        NOT NULL,
	occurred_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS %[1]s_session_idx ON %[1]s (session_id, occurred_at DESC)`

// Postgres 写入 PostgreSQL 的记录器
type Postgres struct {
	db     *postgres.Client
	table  string
	logger logger.Logger
}

var _ Recorder = (*Postgres)(nil)

// NewPostgres 创建记录器，cfg.EnsureSchema 为真时建表
func NewPostgres(ctx context.Context, db *postgres.Client, cfg *Config, l logger.Logger) (*Postgres, error) {
	p := &Postgres{
		db:     db,
		table:  cfg.Table,
		logger: logger.OrNoop(l).Named("audit.postgres"),
	}
	if cfg.EnsureSchema {
		if err := p.EnsureSchema(ctx); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// EnsureSchema 建表及索引
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.Exec(ctx, fmt.Sprintf(schemaTmpl, p.table)); err != nil {
		return errors.Wrap(err, "audit: ensure schema")
	}
	return nil
}

func (p *Postgres) Record(ctx context.Context, r Record) error {
	if _, err := p.db.ExecBuilder(ctx, insertStmt(p.table, r)); err != nil {
		return errors.Wrapf(err, "audit: record %s %s", r.Event, r.SessionID)
	}
	return nil
}

func (p *Postgres) History(ctx context.Context, sessionID string, limit int) ([]Record, error) {
	rows, err := postgres.Select[Record](p.db, ctx, historyQuery(p.table, sessionID, limit))
	if err != nil {
		return nil, errors.Wrap(err, "audit: history")
	}
	out := make([]Record, len(rows))
	for i, r := range rows {
		out[i] = *r
	}
	return out, nil
}

// Close 连接池由调用方持有
func (p *Postgres) Close() error { return nil }

func insertStmt(table string, r Record) squirrel.InsertBuilder {
	return postgres.QueryBuilder.
		Insert(table).
		Columns("session_id", "address", "hostname", "event", "occurred_at").
		Values(r.SessionID, r.Address, r.Hostname, string(r.Event), r.OccurredAt)
}

func historyQuery(table, sessionID string, limit int) squirrel.SelectBuilder {
	q := postgres.QueryBuilder.
		Select("session_id", "address", "hostname", "event", "occurred_at").
		From(table).
		OrderBy("occurred_at DESC", "id DESC")
	if sessionID != "" {
		q = q.Where(squirrel.Eq{"session_id": sessionID})
	}
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}
	return q
}
