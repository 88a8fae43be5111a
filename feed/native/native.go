// Package native drives the vendor's legacy client library. All calls go
// through a single Slot; the library is stateful and thread-affine.
package native

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"regexp"
	"slices"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/padraicbc/racesync/feed"
	"github.com/padraicbc/racesync/models"
)

const (
	// Cursor = file stamp * stampScale + index of the record within the file.
	stampScale     = 100_000
	stampLayout    = "20060102150405"
	bulkEpoch      = "19860101000000"
	busyRetryAfter = 30 * time.Second
)

// Binding creates the library on the slot thread.
type Binding struct {
	Setup    func() error
	Open     func() (Library, error)
	Teardown func()
}

type Config struct {
	SID            string
	BulkSpec       string
	StructuralSpec string
	RealtimeSpec   string
	CallTimeout    time.Duration
	PollInterval   time.Duration
}

type Client struct {
	cfg     Config
	binding Binding
	logger  *zap.Logger

	mu   sync.Mutex // one open stream at a time
	slot *Slot
	lib  Library
}

func New(cfg Config, b Binding, logger *zap.Logger) *Client {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &Client{cfg: cfg, binding: b, logger: logger}
}

func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connect(ctx)
}

// connect requires c.mu.
func (c *Client) connect(ctx context.Context) error {
	if c.lib != nil {
		return nil
	}
	slot, err := NewSlot(c.binding.Setup, c.binding.Teardown)
	if err != nil {
		return fmt.Errorf("%w: native setup: %v", feed.ErrConnection, err)
	}
	var (
		lib  Library
		code int
	)
	err = c.call(ctx, slot, func() error {
		var err error
		if lib, err = c.binding.Open(); err != nil {
			return err
		}
		code, err = lib.Init(c.cfg.SID)
		return err
	})
	if err == nil && code != 0 {
		err = codeErr("init", code)
	}
	if err != nil {
		slot.Close()
		return err
	}
	c.slot, c.lib = slot, lib
	c.logger.Info("native feed initialised")
	return nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.slot == nil {
		return nil
	}
	c.slot.Close()
	c.slot, c.lib = nil, nil
	return nil
}

// call runs fn on slot bounded by the call timeout.
func (c *Client) call(ctx context.Context, slot *Slot, fn func() error) error {
	cctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()
	var ferr error
	if err := slot.Do(cctx, func() { ferr = fn() }); err != nil {
		return feed.Timeout(ctx, err)
	}
	if ferr != nil && !errors.Is(ferr, feed.ErrUnsupported) && !errors.Is(ferr, feed.ErrAuthentication) {
		return fmt.Errorf("%w: %v", feed.ErrConnection, ferr)
	}
	return ferr
}

func (c *Client) FetchBulk(ctx context.Context, since feed.Cursor) iter.Seq2[feed.Record, error] {
	return c.stream(ctx, c.cfg.BulkSpec, OptionSetupQuiet, since, nil)
}

func (c *Client) FetchIncremental(ctx context.Context, kind models.SyncKind, since feed.Cursor) iter.Seq2[feed.Record, error] {
	switch kind {
	case models.KindStructural:
		return c.stream(ctx, c.cfg.StructuralSpec, OptionNormal, since, feed.StructuralKinds)
	case models.KindRealtime:
		return c.stream(ctx, c.cfg.RealtimeSpec, OptionNormal, since, feed.RealtimeKinds)
	}
	return feed.Single(fmt.Errorf("native: %q is not an incremental kind", kind))
}

func (c *Client) stream(ctx context.Context, spec string, option int, since feed.Cursor, kinds []string) iter.Seq2[feed.Record, error] {
	return func(yield func(feed.Record, error) bool) {
		c.mu.Lock()
		defer c.mu.Unlock()
		if err := c.connect(ctx); err != nil {
			yield(feed.Record{}, err)
			return
		}
		from, err := fromTime(since)
		if err != nil {
			yield(feed.Record{}, err)
			return
		}

		var opened OpenResult
		err = c.call(ctx, c.slot, func() (err error) {
			opened, err = c.lib.Open(spec, from, option)
			return err
		})
		if err != nil {
			yield(feed.Record{}, err)
			return
		}
		defer func() {
			cerr := c.call(context.WithoutCancel(ctx), c.slot, func() error {
				_, err := c.lib.Close()
				return err
			})
			if cerr != nil {
				c.logger.Warn("native close failed", zap.Error(cerr))
			}
		}()
		switch {
		case opened.Code == codeNoData:
			return
		case opened.Code < 0:
			yield(feed.Record{}, codeErr("open", opened.Code))
			return
		}
		c.logger.Debug("native stream opened", zap.String("spec", spec), zap.String("from", from),
			zap.Int("read_count", opened.ReadCount), zap.Int("download_count", opened.DownloadCount))

		var (
			stamp string
			index int64
		)
		for {
			if err := ctx.Err(); err != nil {
				yield(feed.Record{}, err)
				return
			}
			var rr ReadResult
			err := c.call(ctx, c.slot, func() (err error) {
				rr, err = c.lib.Read()
				return err
			})
			if err != nil {
				yield(feed.Record{}, err)
				return
			}
			switch {
			case rr.Code == codeEnd:
				return
			case rr.Code == codeFileSwitch:
				continue
			case rr.Code == codeDownloading:
				select {
				case <-ctx.Done():
				case <-time.After(c.cfg.PollInterval):
				}
				continue
			case rr.Code < 0:
				yield(feed.Record{}, codeErr("read", rr.Code))
				return
			}

			s := rr.Stamp
			if s == "" {
				s = stampFromFile(rr.File, opened.LastStamp)
			}
			if s != stamp {
				stamp, index = s, 0
			}
			index++
			cur, err := cursorOf(stamp, index)
			if err != nil {
				yield(feed.Record{}, err)
				return
			}
			if cur <= since || len(rr.Data) < 2 {
				continue
			}
			kind := string(rr.Data[:2])
			if kinds != nil && !slices.Contains(kinds, kind) {
				continue
			}
			if !yield(feed.Record{Kind: kind, Cursor: cur, Payload: rr.Data}, nil) {
				return
			}
		}
	}
}

func cursorOf(stamp string, index int64) (feed.Cursor, error) {
	if len(stamp) != len(stampLayout) {
		return 0, fmt.Errorf("%w: bad file stamp %q", feed.ErrConnection, stamp)
	}
	s, err := strconv.ParseInt(stamp, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: bad file stamp %q", feed.ErrConnection, stamp)
	}
	if index >= stampScale {
		return 0, fmt.Errorf("%w: file %s has more than %d records", feed.ErrConnection, stamp, stampScale-1)
	}
	return feed.Cursor(s*stampScale + index), nil
}

// fromTime is the Open start time that includes the file holding since.
// The vendor returns files strictly newer than fromTime, hence the second
// subtracted.
func fromTime(since feed.Cursor) (string, error) {
	if since <= 0 {
		return bulkEpoch, nil
	}
	stamp := strconv.FormatInt(int64(since)/stampScale, 10)
	t, err := time.Parse(stampLayout, stamp)
	if err != nil {
		return "", fmt.Errorf("native: cursor %d does not carry a file stamp: %w", since, err)
	}
	return t.Add(-time.Second).Format(stampLayout), nil
}

var stampRun = regexp.MustCompile(`\d{14}`)

func stampFromFile(name, fallback string) string {
	if m := stampRun.FindString(name); m != "" {
		return m
	}
	return fallback
}

var _ feed.Client = (*Client)(nil)
