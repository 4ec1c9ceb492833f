package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"tripmesh/internal/protocol"
	"tripmesh/pkg"
	"tripmesh/src/logger"
)

// Handler receives every decoded envelope of a subscription. ctx is
// cancelled when the subscription is released; handlers that block must
// watch it.
type Handler func(ctx context.Context, env *pkg.Envelope)

// ErrorHandler receives malformed messages and handler panics
type ErrorHandler func(channel string, err error)

type subscription struct {
	id      string
	channel string
	ps      *redis.PubSub
	cancel  context.CancelFunc
	done    chan struct{}
}

// Client is an explicitly owned connection to the pub/sub bus.
// One Client is shared by the orchestrator, the state store and any
// in-process worker harnesses.
type Client struct {
	opts *redis.Options
	log  zerolog.Logger

	mu   sync.Mutex
	rdb  *redis.Client
	subs map[string]*subscription
}

// New creates a disconnected client for the given options
func New(opts *redis.Options) *Client {
	return &Client{
		opts: opts,
		log:  logger.Component("transport"),
		subs: make(map[string]*subscription),
	}
}

// NewFromURL creates a disconnected client from a redis:// URL
func NewFromURL(redisURL string) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse REDIS_URL: %w", err)
	}
	return New(opts), nil
}

// Connect opens the connection. Calling it on a connected client is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rdb != nil {
		return nil
	}

	rdb := redis.NewClient(c.opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return &protocol.TransportError{Op: "connect", Channel: c.opts.Addr, Err: err}
	}
	c.rdb = rdb
	c.log.Info().Str("addr", c.opts.Addr).Msg("Connected to bus")
	return nil
}

// Disconnect releases every subscription, waits for their listen loops to
// exit and closes the connection. Safe to call more than once.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	rdb := c.rdb
	subs := c.subs
	c.rdb = nil
	c.subs = make(map[string]*subscription)
	c.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
	if rdb == nil {
		return nil
	}
	c.log.Info().Int("subscriptions", len(subs)).Msg("Disconnected from bus")
	return rdb.Close()
}

// Redis exposes the underlying client for the state store
func (c *Client) Redis() *redis.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rdb
}

func (c *Client) conn(op, channel string) (*redis.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rdb == nil {
		return nil, &protocol.TransportError{Op: op, Channel: channel, Err: protocol.ErrNotConnected}
	}
	return c.rdb, nil
}

// Publish sends env to channel and returns how many subscribers received it
func (c *Client) Publish(ctx context.Context, channel string, env *pkg.Envelope) (int64, error) {
	rdb, err := c.conn("publish", channel)
	if err != nil {
		return 0, err
	}
	data, err := protocol.Encode(env)
	if err != nil {
		return 0, &protocol.TransportError{Op: "publish", Channel: channel, Err: err}
	}
	n, err := rdb.Publish(ctx, channel, data).Result()
	if err != nil {
		return 0, &protocol.TransportError{Op: "publish", Channel: channel, Err: err}
	}
	c.log.Debug().
		Str("channel", channel).
		Str("action", string(env.Action)).
		Str("request_id", env.RequestID).
		Int64("delivered", n).
		Msg("Published")
	return n, nil
}

// Subscribe starts a listen loop on channel. It returns only after Redis has
// confirmed the subscription, so a message published after Subscribe returns
// cannot be missed.
func (c *Client) Subscribe(ctx context.Context, channel string, handler Handler, onError ErrorHandler) (string, error) {
	rdb, err := c.conn("subscribe", channel)
	if err != nil {
		return "", err
	}

	ps := rdb.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return "", &protocol.TransportError{Op: "subscribe", Channel: channel, Err: err}
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	sub := &subscription{
		id:      uuid.NewString(),
		channel: channel,
		ps:      ps,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	c.mu.Lock()
	if c.rdb == nil {
		c.mu.Unlock()
		cancel()
		_ = ps.Close()
		return "", &protocol.TransportError{Op: "subscribe", Channel: channel, Err: protocol.ErrNotConnected}
	}
	c.subs[sub.id] = sub
	c.mu.Unlock()

	if onError == nil {
		onError = func(ch string, err error) {
			c.log.Warn().Err(err).Str("channel", ch).Msg("Dropped message")
		}
	}

	go c.listen(loopCtx, sub, ps.Channel(), handler, onError)
	return sub.id, nil
}

func (c *Client) listen(ctx context.Context, sub *subscription, msgs <-chan *redis.Message, handler Handler, onError ErrorHandler) {
	defer close(sub.done)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			env, err := protocol.Decode([]byte(msg.Payload))
			if err != nil {
				onError(sub.channel, err)
				continue
			}
			c.deliver(ctx, sub.channel, env, handler, onError)
		}
	}
}

func (c *Client) deliver(ctx context.Context, channel string, env *pkg.Envelope, handler Handler, onError ErrorHandler) {
	defer func() {
		if r := recover(); r != nil {
			onError(channel, fmt.Errorf("handler panic: %v", r))
		}
	}()
	handler(ctx, env)
}

// Unsubscribe stops a listen loop. Unknown or already released ids are ignored.
// It must not be called from the subscription's own handler.
func (c *Client) Unsubscribe(id string) {
	c.mu.Lock()
	sub, ok := c.subs[id]
	delete(c.subs, id)
	c.mu.Unlock()
	if ok {
		sub.stop()
	}
}

func (s *subscription) stop() {
	s.cancel()
	_ = s.ps.Close()
	<-s.done
}

// ActiveSubscriptions returns the number of live subscriptions
func (c *Client) ActiveSubscriptions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

// Subscribed reports whether any live subscription listens on channel
func (c *Client) Subscribed(channel string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, sub := range c.subs {
		if sub.channel == channel {
			return true
		}
	}
	return false
}

// CallAndWait publishes req on requestChannel and waits up to timeout for the
// response carrying the same request id on responseChannel. It returns
// (nil, nil) on timeout. The response subscription is released on every path.
func (c *Client) CallAndWait(ctx context.Context, requestChannel, responseChannel string, req *pkg.Envelope, timeout time.Duration) (*pkg.Envelope, error) {
	replies := make(chan *pkg.Envelope, 1)
	id, err := c.Subscribe(ctx, responseChannel, func(hctx context.Context, env *pkg.Envelope) {
		if env.RequestID != req.RequestID || env.Action == pkg.ActionRequest {
			return
		}
		select {
		case replies <- env:
		default:
		}
	}, nil)
	if err != nil {
		return nil, err
	}
	defer c.Unsubscribe(id)

	if _, err := c.Publish(ctx, requestChannel, req); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case env := <-replies:
		return env, nil
	case <-timer.C:
		c.log.Warn().
			Str("channel", responseChannel).
			Str("request_id", req.RequestID).
			Dur("timeout", timeout).
			Msg("No response before timeout")
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
