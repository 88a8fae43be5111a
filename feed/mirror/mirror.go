// Package mirror reads vendor records from a MySQL mirror of the vendor feed.
//
// The mirror holds one row per raw record:
//
//	CREATE TABLE feed_records (
//	  seq         BIGINT UNSIGNED NOT NULL AUTO_INCREMENT PRIMARY KEY,
//	  record_kind CHAR(2)         NOT NULL,
//	  payload     BLOB            NOT NULL,
//	  created_at  DATETIME        NOT NULL DEFAULT CURRENT_TIMESTAMP,
//	  KEY kind_seq (record_kind, seq)
//	);
//
// seq is the feed cursor.
package mirror

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"go.uber.org/zap"

	"github.com/padraicbc/racesync/feed"
	"github.com/padraicbc/racesync/models"
)

// MySQL server error numbers
const (
	erAccessDenied     = 1045
	erDBAccessDenied   = 1044
	erConCount         = 1040
	erUserLimitReached = 1226
)

const (
	defaultPageSize = 1000
	busyRetryAfter  = 5 * time.Second
)

type Config struct {
	DSN         string
	PageSize    int
	CallTimeout time.Duration
}

type pageFunc func(ctx context.Context, since feed.Cursor, kinds []string, limit int) ([]feed.Record, error)

// Client pages through feed_records by seq.
type Client struct {
	cfg    Config
	logger *zap.Logger
	db     *sql.DB
	page   pageFunc
}

func New(cfg Config, logger *zap.Logger) *Client {
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	c := &Client{cfg: cfg, logger: logger}
	c.page = c.queryPage
	return c
}

func (c *Client) Connect(ctx context.Context) error {
	if c.db != nil {
		return nil
	}
	mc, err := mysql.ParseDSN(c.cfg.DSN)
	if err != nil {
		return fmt.Errorf("%w: parse mysql dsn: %v", feed.ErrAuthentication, err)
	}
	mc.Timeout = c.cfg.CallTimeout
	mc.ReadTimeout = c.cfg.CallTimeout
	conn, err := mysql.NewConnector(mc)
	if err != nil {
		return fmt.Errorf("%w: mysql connector: %v", feed.ErrConnection, err)
	}
	db := sql.OpenDB(conn)
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		_ = db.Close()
		return mapErr(ctx, err)
	}
	c.db = db
	c.logger.Info("mysql mirror connected", zap.String("addr", mc.Addr), zap.String("db", mc.DBName))
	return nil
}

func (c *Client) Close() error {
	if c.db == nil {
		return nil
	}
	err := c.db.Close()
	c.db = nil
	return err
}

func (c *Client) FetchBulk(ctx context.Context, since feed.Cursor) iter.Seq2[feed.Record, error] {
	return c.stream(ctx, since, nil)
}

func (c *Client) FetchIncremental(ctx context.Context, kind models.SyncKind, since feed.Cursor) iter.Seq2[feed.Record, error] {
	kinds := feed.KindsFor(kind)
	if kinds == nil {
		return feed.Single(fmt.Errorf("mirror: %q is not an incremental kind", kind))
	}
	return c.stream(ctx, since, kinds)
}

func (c *Client) stream(ctx context.Context, since feed.Cursor, kinds []string) iter.Seq2[feed.Record, error] {
	return func(yield func(feed.Record, error) bool) {
		for {
			if err := ctx.Err(); err != nil {
				yield(feed.Record{}, err)
				return
			}
			recs, err := c.page(ctx, since, kinds, c.cfg.PageSize)
			if err != nil {
				yield(feed.Record{}, err)
				return
			}
			for _, r := range recs {
				if !yield(r, nil) {
					return
				}
				since = r.Cursor
			}
			if len(recs) < c.cfg.PageSize {
				return
			}
		}
	}
}

// pageQuery builds the keyset query for one page.
func pageQuery(since feed.Cursor, kinds []string, limit int) (string, []any) {
	var b strings.Builder
	b.WriteString("SELECT seq, record_kind, payload FROM feed_records WHERE seq > ?")
	args := []any{int64(since)}
	if len(kinds) > 0 {
		b.WriteString(" AND record_kind IN (")
		for i, k := range kinds {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString("?")
			args = append(args, k)
		}
		b.WriteString(")")
	}
	b.WriteString(" ORDER BY seq LIMIT ?")
	args = append(args, limit)
	return b.String(), args
}

func (c *Client) queryPage(ctx context.Context, since feed.Cursor, kinds []string, limit int) ([]feed.Record, error) {
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	cctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	q, args := pageQuery(since, kinds, limit)
	rows, err := c.db.QueryContext(cctx, q, args...)
	if err != nil {
		return nil, mapErr(ctx, err)
	}
	defer rows.Close()

	out := make([]feed.Record, 0, limit)
	for rows.Next() {
		var (
			seq     int64
			kind    string
			payload []byte
		)
		if err := rows.Scan(&seq, &kind, &payload); err != nil {
			return nil, mapErr(ctx, err)
		}
		out = append(out, feed.Record{Kind: kind, Cursor: feed.Cursor(seq), Payload: payload})
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr(ctx, err)
	}
	c.logger.Debug("mirror page", zap.Int64("since", int64(since)), zap.Int("rows", len(out)))
	return out, nil
}

// mapErr sorts driver errors into the feed error taxonomy.
func mapErr(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		switch me.Number {
		case erAccessDenied, erDBAccessDenied:
			return fmt.Errorf("%w: %v", feed.ErrAuthentication, err)
		case erConCount, erUserLimitReached:
			return &feed.RateLimitedError{RetryAfter: busyRetryAfter}
		}
		return fmt.Errorf("%w: %v", feed.ErrConnection, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return feed.Timeout(ctx, err)
	}
	// bad connections, network errors and anything else unrecognised are retried
	return fmt.Errorf("%w: %v", feed.ErrConnection, err)
}

var _ feed.Client = (*Client)(nil)
