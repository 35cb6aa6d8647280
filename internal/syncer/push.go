package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/websocket"

	"github.com/kalambet/lensdesk/internal/events"
	"github.com/kalambet/lensdesk/internal/model"
)

// PushOptions configures a PushClient.
type PushOptions struct {
	// BaseURL is the backend address, e.g. http://127.0.0.1:4780.
	BaseURL    string
	Token      string
	Bus        *events.Bus // when set, push events are published as external:* topics
	MinBackoff time.Duration
	MaxBackoff time.Duration
	Logger     *slog.Logger
}

// PushClient follows the backend push channel and feeds it to the
// coordinator. The coordinator goes offline whenever the channel drops and
// back online, replaying the offline queue, when it reconnects.
type PushClient struct {
	coord      *Coordinator
	wsURL      string
	origin     string
	token      string
	bus        *events.Bus
	minBackoff time.Duration
	maxBackoff time.Duration
	logger     *slog.Logger
}

// NewPushClient creates a push client for coord.
func NewPushClient(coord *Coordinator, opts PushOptions) (*PushClient, error) {
	u, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing backend url: %w", err)
	}
	origin := u.String()
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("unsupported backend url scheme %q", u.Scheme)
	}
	u.Path += "/ws"

	if opts.MinBackoff <= 0 {
		opts.MinBackoff = 500 * time.Millisecond
	}
	if opts.MaxBackoff < opts.MinBackoff {
		opts.MaxBackoff = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &PushClient{
		coord:      coord,
		wsURL:      u.String(),
		origin:     origin,
		token:      opts.Token,
		bus:        opts.Bus,
		minBackoff: opts.MinBackoff,
		maxBackoff: opts.MaxBackoff,
		logger:     opts.Logger,
	}, nil
}

// Run connects and reconnects until ctx is done. The wait between attempts
// doubles up to MaxBackoff and starts over after a session that lasted
// longer than MaxBackoff.
func (p *PushClient) Run(ctx context.Context) error {
	backoff := p.minBackoff
	for {
		ws, err := p.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.coord.SetOffline()
			p.logger.Debug("push channel unavailable", "error", err, "retry_in", backoff)
		} else {
			connectedAt := time.Now()
			p.logger.Info("push channel connected", "url", p.wsURL)
			if p.coord.beginDrain() {
				go func() {
					if _, err := p.coord.drain(ctx); err != nil {
						p.logger.Warn("offline replay after reconnect failed", "error", err)
					}
				}()
			}

			err = p.read(ctx, ws)
			ws.Close()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Warn("push channel lost", "error", err, "retry_in", backoff)
			p.coord.SetOffline()
			if time.Since(connectedAt) > p.maxBackoff {
				backoff = p.minBackoff
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, p.maxBackoff)
	}
}

func (p *PushClient) dial(ctx context.Context) (*websocket.Conn, error) {
	cfg, err := websocket.NewConfig(p.wsURL, p.origin)
	if err != nil {
		return nil, err
	}
	cfg.Header = http.Header{"Authorization": {"Bearer " + p.token}}
	return cfg.DialContext(ctx)
}

func (p *PushClient) read(ctx context.Context, ws *websocket.Conn) error {
	stop := context.AfterFunc(ctx, func() { ws.Close() })
	defer stop()

	for {
		var msg model.PushMessage
		if err := websocket.JSON.Receive(ws, &msg); err != nil {
			return err
		}
		if err := p.dispatch(msg); err != nil {
			p.logger.Warn("ignoring push message", "event", msg.Event, "error", err)
		}
	}
}

func (p *PushClient) dispatch(msg model.PushMessage) error {
	switch msg.Event {
	case model.PushProductUpdated:
		var prod model.Product
		if err := json.Unmarshal(msg.Data, &prod); err != nil {
			return fmt.Errorf("decoding product: %w", err)
		}
		if p.bus != nil {
			events.Publish(p.bus, events.ExternalProductUpdated, prod)
			return nil
		}
		return p.coord.HandleExternalUpdate(prod)
	case model.PushStockUpdated:
		var s model.StockUpdate
		if err := json.Unmarshal(msg.Data, &s); err != nil {
			return fmt.Errorf("decoding stock update: %w", err)
		}
		if p.bus != nil {
			events.Publish(p.bus, events.ExternalStockUpdated, s)
			return nil
		}
		return p.coord.HandleExternalStockUpdate(s)
	default:
		return fmt.Errorf("unknown push event %q", msg.Event)
	}
}
