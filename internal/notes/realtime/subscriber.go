package realtime

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/sethvargo/go-retry"
)

// SubscriberConfig holds subscriber configuration.
type SubscriberConfig struct {
	// URL of the websocket endpoint, e.g. ws://localhost:3000/ws
	URL string

	// MinBackoff is the first reconnect delay (default 500ms)
	MinBackoff time.Duration

	// MaxBackoff caps the reconnect delay (default 30s)
	MaxBackoff time.Duration

	// HTTPClient used for the handshake (default http.DefaultClient)
	HTTPClient *http.Client

	// Logger (defaults to stderr with "[realtime] " prefix)
	Logger *log.Logger

	// OnState is called with true after every successful connect and with
	// false after every disconnect.
	OnState func(connected bool)
}

// Subscriber receives note-update events over a websocket.
type Subscriber struct {
	url        string
	minBackoff time.Duration
	maxBackoff time.Duration
	httpClient *http.Client
	logger     *log.Logger
	onState    func(bool)
}

// NewSubscriber creates a subscriber for cfg.URL.
func NewSubscriber(cfg SubscriberConfig) *Subscriber {
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[realtime] ", log.LstdFlags)
	}
	return &Subscriber{
		url:        cfg.URL,
		minBackoff: cfg.MinBackoff,
		maxBackoff: cfg.MaxBackoff,
		httpClient: cfg.HTTPClient,
		logger:     cfg.Logger,
		onState:    cfg.OnState,
	}
}

// Subscription is a running subscription. Close tears it down.
type Subscription struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Close stops the subscription and waits until its goroutine has exited.
// No event is delivered after Close returns. Safe to call more than once.
func (s *Subscription) Close() error {
	s.once.Do(s.cancel)
	<-s.done
	return nil
}

// Done is closed when the subscription has stopped.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Subscribe connects in the background and calls sink for every
// note-update event, in the order received. The connection is re-established
// with capped exponential backoff until ctx is cancelled or Close is called.
// sink runs on the subscription goroutine.
func (s *Subscriber) Subscribe(ctx context.Context, sink func(Event)) *Subscription {
	ctx, cancel := context.WithCancel(ctx)
	sub := &Subscription{
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		defer close(sub.done)
		s.loop(ctx, sink)
	}()

	return sub
}

func (s *Subscriber) newBackoff() retry.Backoff {
	b := retry.NewExponential(s.minBackoff)
	b = retry.WithJitterPercent(10, b)
	return retry.WithCappedDuration(s.maxBackoff, b)
}

func (s *Subscriber) loop(ctx context.Context, sink func(Event)) {
	backoff := s.newBackoff()

	for {
		connected, err := s.session(ctx, sink)
		if ctx.Err() != nil {
			return
		}
		if connected {
			backoff = s.newBackoff()
		}

		delay, stop := backoff.Next()
		if stop {
			return
		}
		s.logger.Printf("Connection to %s lost (%v), retrying in %s", s.url, err, delay.Round(time.Millisecond))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// session runs one connection until it fails. connected reports whether the
// handshake succeeded.
func (s *Subscriber) session(ctx context.Context, sink func(Event)) (connected bool, err error) {
	conn, _, err := websocket.Dial(ctx, s.url, &websocket.DialOptions{HTTPClient: s.httpClient})
	if err != nil {
		return false, fmt.Errorf("failed to dial: %w", err)
	}
	defer conn.CloseNow()
	conn.SetReadLimit(1 << 20)

	s.logger.Printf("Connected to %s", s.url)
	s.state(true)
	defer s.state(false)

	for {
		var frame Frame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			if errors.Is(err, context.Canceled) {
				_ = conn.Close(websocket.StatusNormalClosure, "")
			}
			return true, err
		}
		if frame.Event != EventName {
			continue
		}
		sink(frame.Data)
	}
}

func (s *Subscriber) state(connected bool) {
	if s.onState != nil {
		s.onState(connected)
	}
}

// URLFromAPI derives the websocket endpoint from the API base URL:
// http://host:3000/api becomes ws://host:3000/ws.
func URLFromAPI(apiURL string) (string, error) {
	u, err := url.Parse(apiURL)
	if err != nil {
		return "", fmt.Errorf("failed to parse api url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported api url scheme %q", u.Scheme)
	}

	path := strings.TrimRight(u.Path, "/")
	path = strings.TrimSuffix(path, "/api")
	u.Path = path + "/ws"
	u.RawQuery = ""
	return u.String(), nil
}
