package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/sweeney/callstats/internal/record"
)

// ClientOptions configures a feed Client.
type ClientOptions struct {
	Address           string
	DialTimeout       time.Duration
	ReconnectInterval time.Duration
	Logger            *slog.Logger
}

// Client reads records from the phone system's TCP feed and hands each line
// to a Submitter, reconnecting when the connection drops.
type Client struct {
	opts   ClientOptions
	dialer net.Dialer
	log    *slog.Logger

	lines    atomic.Int64
	sessions atomic.Int64
}

// Submitter accepts raw record lines. *Dispatcher satisfies it.
type Submitter interface {
	Submit(ctx context.Context, line string) error
}

// NewClient creates a Client. Nothing is dialed until Run.
func NewClient(opts ClientOptions) *Client {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		opts:   opts,
		dialer: net.Dialer{Timeout: opts.DialTimeout},
		log:    log.With("feed", opts.Address),
	}
}

// Run connects and streams until ctx is cancelled. Session errors are logged
// and followed by a reconnect after ReconnectInterval.
func (c *Client) Run(ctx context.Context, out Submitter) error {
	for {
		err := c.runSession(ctx, out)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			c.log.Warn("feed session ended, reconnecting", "err", err, "in", c.opts.ReconnectInterval)
		}
		select {
		case <-time.After(c.opts.ReconnectInterval):
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *Client) runSession(ctx context.Context, out Submitter) error {
	c.log.Info("connecting to feed")

	conn, err := c.dialer.DialContext(ctx, "tcp", c.opts.Address)
	if err != nil {
		return fmt.Errorf("dial feed: %w", err)
	}
	defer conn.Close()

	// Unblock the reader when the context is cancelled.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	c.sessions.Add(1)
	c.log.Info("feed connected")

	err = Stream(ctx, conn, out, &c.lines)
	if err == nil {
		return errors.New("feed connection closed")
	}
	return err
}

// Lines returns the number of lines read across all sessions.
func (c *Client) Lines() int64 {
	return c.lines.Load()
}

// Sessions returns the number of successful connections.
func (c *Client) Sessions() int64 {
	return c.sessions.Load()
}

// Stream reads newline-delimited records from r and submits each one. It
// returns nil at EOF. count, if non-nil, is incremented per submitted line.
func Stream(ctx context.Context, r io.Reader, out Submitter, count *atomic.Int64) error {
	rd := record.NewReader(r)
	for {
		e, ok := rd.Next()
		if !ok {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return rd.Err()
		}
		if err := out.Submit(ctx, e.Text); err != nil {
			return fmt.Errorf("submitting record: %w", err)
		}
		if count != nil {
			count.Add(1)
		}
	}
}
