package mirror

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/PratikDhanave/journal-sync-service/internal/models"
	"github.com/PratikDhanave/journal-sync-service/internal/parser"
)

// ErrChannelClosed is returned by Subscriber.Run once reconnecting gave up.
var ErrChannelClosed = errors.New("mirror: live channel closed")

// LiveMessage is one server-sent message from /events/stream.
type LiveMessage struct {
	Kind string
	Data json.RawMessage
}

// Event decodes a journal:event message into the canonical event shape.
func (m LiveMessage) Event() (models.Event, error) {
	if m.Kind != models.KindJournalEvent {
		return models.Event{}, fmt.Errorf("not a %s message: %s", models.KindJournalEvent, m.Kind)
	}
	dec := json.NewDecoder(bytes.NewReader(m.Data))
	dec.UseNumber()
	var rec map[string]any
	if err := dec.Decode(&rec); err != nil {
		return models.Event{}, err
	}
	return parser.Normalize(rec, "", "")
}

// SubscriberOptions configure reconnects. Zero values take defaults.
type SubscriberOptions struct {
	APIKey          string
	MaxTries        uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// Subscriber follows the live channel and reconnects with bounded
// exponential backoff.
type Subscriber struct {
	url    string
	opts   SubscriberOptions
	client *http.Client
}

// NewSubscriber follows baseURL's /events/stream.
func NewSubscriber(baseURL string, opts SubscriberOptions) *Subscriber {
	if opts.MaxTries == 0 {
		opts.MaxTries = 5
	}
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = 500 * time.Millisecond
	}
	if opts.MaxInterval <= 0 {
		opts.MaxInterval = 30 * time.Second
	}
	return &Subscriber{
		url:  strings.TrimRight(baseURL, "/") + "/events/stream",
		opts: opts,
		// no client timeout: the stream is long-lived and bounded by ctx
		client: &http.Client{},
	}
}

// Run delivers messages to fn until ctx is canceled or MaxTries consecutive
// connection attempts failed, in which case the error wraps ErrChannelClosed.
// A connection that delivered at least one message resets the budget.
func (s *Subscriber) Run(ctx context.Context, fn func(LiveMessage)) error {
	return s.run(ctx, nil, fn)
}

// Follow keeps m current from the live channel. After every successful
// connect it polls once, so events committed while no stream was attached
// (between the bulk load and the first connect, or during a reconnect gap)
// are merged too.
func (s *Subscriber) Follow(ctx context.Context, m *Mirror) error {
	onConnect := func(ctx context.Context) {
		if _, err := m.Poll(ctx); err != nil && ctx.Err() == nil {
			log.Printf("mirror: catch-up poll: %v", err)
		}
	}
	return s.run(ctx, onConnect, func(msg LiveMessage) {
		if msg.Kind != models.KindJournalEvent {
			return
		}
		e, err := msg.Event()
		if err != nil {
			log.Printf("mirror: live: %v", err)
			return
		}
		m.Apply(e)
	})
}

func (s *Subscriber) run(ctx context.Context, onConnect func(context.Context), fn func(LiveMessage)) error {
	for {
		_, err := backoff.Retry(ctx, func() (struct{}, error) {
			delivered, err := s.stream(ctx, onConnect, fn)
			if ctx.Err() != nil {
				return struct{}{}, backoff.Permanent(ctx.Err())
			}
			if delivered {
				return struct{}{}, nil
			}
			return struct{}{}, err
		},
			backoff.WithBackOff(s.newBackOff()),
			backoff.WithMaxTries(s.opts.MaxTries),
			backoff.WithNotify(func(err error, next time.Duration) {
				log.Printf("mirror: live channel: %v, reconnecting in %s", err, next)
			}),
		)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrChannelClosed, err)
		}
		log.Printf("mirror: live channel dropped, reconnecting")
	}
}

func (s *Subscriber) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.opts.InitialInterval
	b.MaxInterval = s.opts.MaxInterval
	return b
}

// stream runs one connection. delivered reports whether any message arrived.
// onConnect runs once the server accepted the subscription.
func (s *Subscriber) stream(ctx context.Context, onConnect func(context.Context), fn func(LiveMessage)) (delivered bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return false, backoff.Permanent(err)
	}
	req.Header.Set("Accept", "text/event-stream")
	if s.opts.APIKey != "" {
		req.Header.Set("X-API-Key", s.opts.APIKey)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return false, backoff.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return false, fmt.Errorf("status %d", resp.StatusCode)
	}
	if onConnect != nil {
		onConnect(ctx)
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var kind string
	var data []string
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if kind != "" || len(data) > 0 {
				fn(LiveMessage{Kind: kind, Data: json.RawMessage(strings.Join(data, "\n"))})
				delivered = true
			}
			kind, data = "", nil
		case strings.HasPrefix(line, ":"):
			// comment / keep-alive
		case strings.HasPrefix(line, "event:"):
			kind = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := sc.Err(); err != nil {
		return delivered, err
	}
	return delivered, errors.New("stream ended")
}
