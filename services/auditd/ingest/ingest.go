package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"nhooyr.io/websocket"

	"nusd/core/events"
	"nusd/services/auditd/store"
)

// StreamName keys the persisted cursor for the node event stream.
const StreamName = "events"

// Config wires the follower to the node stream.
type Config struct {
	WSURL       string
	Token       string
	DialTimeout time.Duration
	BackoffMin  time.Duration
	BackoffMax  time.Duration
	Logger      *slog.Logger
}

// Follower tails the node event stream and indexes every audit-relevant
// event. The persisted cursor makes restarts and reconnects resume where the
// previous session stopped; replayed backlog dedups in the store.
type Follower struct {
	cfg    Config
	store  *store.Store
	logger *slog.Logger
}

// New builds a follower over the supplied store.
func New(cfg Config, st *store.Store) *Follower {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.BackoffMin <= 0 {
		cfg.BackoffMin = time.Second
	}
	if cfg.BackoffMax < cfg.BackoffMin {
		cfg.BackoffMax = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Follower{cfg: cfg, store: st, logger: logger}
}

// Run follows the stream until the context is cancelled. Connection failures
// retry with exponential backoff; indexing progress resets the backoff.
func (f *Follower) Run(ctx context.Context) error {
	backoff := f.cfg.BackoffMin
	for {
		progressed, err := f.follow(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if progressed {
			backoff = f.cfg.BackoffMin
		}
		if err != nil {
			f.logger.Warn("Event stream disconnected", "err", err, "retry_in", backoff)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > f.cfg.BackoffMax {
			backoff = f.cfg.BackoffMax
		}
	}
}

func (f *Follower) follow(ctx context.Context) (bool, error) {
	cursor, err := f.store.LoadCursor(ctx, StreamName)
	if err != nil {
		return false, err
	}
	target, err := streamURL(f.cfg.WSURL, cursor)
	if err != nil {
		return false, err
	}
	opts := &websocket.DialOptions{}
	if f.cfg.Token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + f.cfg.Token}}
	}
	dialCtx, cancel := context.WithTimeout(ctx, f.cfg.DialTimeout)
	conn, _, err := websocket.Dial(dialCtx, target, opts)
	cancel()
	if err != nil {
		return false, fmt.Errorf("dial event stream: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "follower stopped")
	f.logger.Info("Following event stream", "url", f.cfg.WSURL, "cursor", cursor)

	progressed := false
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return progressed, err
		}
		var entry events.StreamEvent
		if err := json.Unmarshal(data, &entry); err != nil {
			f.logger.Warn("Malformed stream payload", "err", err)
			continue
		}
		if err := f.apply(ctx, entry); err != nil {
			return progressed, err
		}
		progressed = true
	}
}

func (f *Follower) apply(ctx context.Context, entry events.StreamEvent) error {
	inserted, err := f.store.Ingest(ctx, entry)
	if err != nil {
		return err
	}
	if inserted && entry.Event != nil {
		f.logger.Debug("Indexed event", "type", entry.Event.Type, "sequence", entry.Sequence)
	}
	if entry.Cursor != "" {
		if err := f.store.SaveCursor(ctx, StreamName, entry.Cursor); err != nil {
			return err
		}
	}
	return nil
}

func streamURL(base, cursor string) (string, error) {
	if cursor == "" {
		return base, nil
	}
	parsed, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse ws url: %w", err)
	}
	query := parsed.Query()
	query.Set("cursor", cursor)
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}
