package callsig

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/callsig/call"
	"github.com/opd-ai/callsig/engine"
	"github.com/opd-ai/callsig/media"
	"github.com/opd-ai/callsig/negotiation"
	"github.com/opd-ai/callsig/relay"
	"github.com/opd-ai/callsig/store"
)

// Backend holds the collaborators a Client runs on. Nil fields are opened
// from Options: the store and relay from their drivers, media from a
// synthetic provider and transports from pion.
type Backend struct {
	Store        store.Store
	Relay        relay.Relay
	Media        media.Provider
	NewTransport engine.TransportFactory
	Notifier     engine.Notifier
	Conversation engine.ConversationSink
	Clock        clock.Clock
}

// RelayCloser is a relay owned by its opener.
type RelayCloser interface {
	relay.Relay
	io.Closer
}

// OpenStore opens the store selected by opts.StoreDriver.
func OpenStore(ctx context.Context, opts *Options) (store.Store, error) {
	switch opts.StoreDriver {
	case StoreMemory, "":
		return store.NewMemory(), nil
	case StoreSQLite:
		s, err := store.OpenSQLite(ctx, opts.StoreDSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	case StorePostgres:
		s, err := store.OpenPostgres(ctx, opts.StoreDSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("%w: unknown store driver %q", ErrInvalidOptions, opts.StoreDriver)
	}
}

// OpenRelay opens the Redis relay when opts.RedisAddr is set and an
// in-process relay otherwise.
func OpenRelay(ctx context.Context, opts *Options) (RelayCloser, error) {
	if opts.RedisAddr == "" {
		return relay.NewMemory(), nil
	}
	r, err := relay.OpenRedis(ctx, relay.RedisConfig{
		Addr:     opts.RedisAddr,
		Password: opts.RedisPassword,
		DB:       opts.RedisDB,
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

// PionTransports returns a transport factory backed by pion/webrtc.
func PionTransports(opts *Options) engine.TransportFactory {
	return func(ct call.Type) (negotiation.Transport, error) {
		t, err := negotiation.NewPionTransport(negotiation.PionConfig{
			CallType:     ct,
			ICEServers:   opts.ICEServers,
			LoopbackOnly: opts.LoopbackOnly,
		})
		if err != nil {
			return nil, err
		}
		return t, nil
	}
}

// Client is the call API of one local user.
type Client struct {
	opts        *Options
	machine     *engine.Machine
	events      <-chan engine.Event
	unsubscribe func()
	owned       []io.Closer
	closeOnce   sync.Once
}

// New creates a client for opts.UserID and starts listening for incoming
// calls.
func New(ctx context.Context, opts *Options, b Backend) (*Client, error) {
	if opts == nil {
		opts = NewOptions()
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	log := logrus.WithFields(logrus.Fields{
		"function": "New",
		"user_id":  opts.UserID,
	})

	c := &Client{opts: opts}
	if b.Store == nil {
		s, err := OpenStore(ctx, opts)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		b.Store = s
		c.owned = append(c.owned, s)
	}
	if b.Relay == nil {
		r, err := OpenRelay(ctx, opts)
		if err != nil {
			c.closeOwned()
			return nil, fmt.Errorf("open relay: %w", err)
		}
		b.Relay = r
		c.owned = append(c.owned, r)
	}
	if b.Media == nil {
		log.Info("No media provider configured, using synthetic tracks")
		b.Media = media.NewSyntheticProvider(opts.UserID)
	}
	if b.NewTransport == nil {
		b.NewTransport = PionTransports(opts)
	}

	m, err := engine.New(ctx, engine.Config{
		UserID:          opts.UserID,
		Store:           b.Store,
		Relay:           b.Relay,
		Media:           b.Media,
		NewTransport:    b.NewTransport,
		Notifier:        b.Notifier,
		Conversation:    b.Conversation,
		Clock:           b.Clock,
		ConnectTimeout:  opts.ConnectTimeout,
		QualityInterval: opts.QualityInterval,
		Thresholds:      opts.Thresholds,
		MissedCallText:  opts.MissedCallText,
		EndedCallFormat: opts.EndedCallFormat,
	})
	if err != nil {
		c.closeOwned()
		return nil, err
	}
	c.machine = m
	c.events, c.unsubscribe = m.Subscribe(opts.EventBuffer)

	log.WithField("store", opts.StoreDriver).Info("Call client ready")
	return c, nil
}

// UserID returns the local participant.
func (c *Client) UserID() string { return c.opts.UserID }

// Events returns the domain event stream. It is closed by Close.
func (c *Client) Events() <-chan engine.Event { return c.events }

// State returns the local call state.
func (c *Client) State() engine.State { return c.machine.State() }

// ActiveCall returns the current call, if any.
func (c *Client) ActiveCall() (call.Session, bool) { return c.machine.Active() }

// Call places a call to calleeID.
func (c *Client) Call(ctx context.Context, conversationID, calleeID string, ct call.Type) (call.Session, error) {
	return c.machine.StartCall(ctx, conversationID, calleeID, ct)
}

// Answer accepts the ringing incoming call.
func (c *Client) Answer(ctx context.Context) (call.Session, error) {
	return c.machine.AnswerCall(ctx)
}

// Decline rejects the ringing incoming call.
func (c *Client) Decline(ctx context.Context) error {
	return c.machine.DeclineCall(ctx)
}

// Hangup ends the current call.
func (c *Client) Hangup(ctx context.Context) error {
	return c.machine.EndCall(ctx)
}

// ToggleAudio mutes or unmutes the microphone.
func (c *Client) ToggleAudio(ctx context.Context) (bool, error) {
	return c.machine.ToggleAudio(ctx)
}

// ToggleVideo disables or enables the camera.
func (c *Client) ToggleVideo(ctx context.Context) (bool, error) {
	return c.machine.ToggleVideo(ctx)
}

// StartScreenShare sends the screen instead of the camera.
func (c *Client) StartScreenShare(ctx context.Context) error {
	return c.machine.StartScreenShare(ctx)
}

// StopScreenShare returns to the camera.
func (c *Client) StopScreenShare(ctx context.Context) error {
	return c.machine.StopScreenShare(ctx)
}

// Close ends any call in progress and releases the backends the client
// opened itself.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.unsubscribe()
		err = c.machine.Close()
		c.closeOwned()

		logrus.WithFields(logrus.Fields{
			"function": "Close",
			"user_id":  c.opts.UserID,
		}).Info("Call client closed")
	})
	return err
}

func (c *Client) closeOwned() {
	for i := len(c.owned) - 1; i >= 0; i-- {
		if err := c.owned[i].Close(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "closeOwned",
				"user_id":  c.opts.UserID,
				"error":    err.Error(),
			}).Warn("Failed to close backend")
		}
	}
	c.owned = nil
}
