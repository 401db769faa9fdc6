// Package engine implements the call state machine of one local
// participant.
//
// A Machine owns at most one call at a time. Every inbound event (relay
// signals, session row updates, transport callbacks, timer expiries) is
// posted to a single event loop goroutine and processed there in order.
// User actions run their blocking steps (media capture, SDP creation,
// relay publishes) on the caller's goroutine and re-enter the loop between
// steps; each re-entry checks that the call is still the current one, so
// results arriving after teardown are discarded.
//
// Local states:
//
//	idle -> pending -> ringing -> connecting -> connected -> ended
//	                                                      \-> missed | declined | busy
//
// Every terminal transition runs the cleanup coordinator exactly once and
// emits CallEnded.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/callsig/call"
	"github.com/opd-ai/callsig/ice"
	"github.com/opd-ai/callsig/media"
	"github.com/opd-ai/callsig/negotiation"
	"github.com/opd-ai/callsig/quality"
	"github.com/opd-ai/callsig/relay"
	"github.com/opd-ai/callsig/signal"
	"github.com/opd-ai/callsig/store"
)

// State is the local state of the machine.
type State string

const (
	StateIdle       State = "idle"
	StatePending    State = "pending"
	StateRinging    State = "ringing"
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StateEnded      State = "ended"
	StateMissed     State = "missed"
	StateDeclined   State = "declined"
	StateBusy       State = "busy"
)

// Defaults used when Config leaves a field zero.
const (
	DefaultConnectTimeout  = 45 * time.Second
	DefaultMissedCallText  = "Chamada perdida"
	DefaultEndedCallFormat = "Chamada encerrada (%ds)"
	defaultHandledCalls    = 256
	ioTimeout              = 10 * time.Second
)

// TransportFactory creates the peer transport for a new call.
type TransportFactory func(callType call.Type) (negotiation.Transport, error)

// Config wires a Machine to its collaborators.
type Config struct {
	UserID       string
	Store        store.Store
	Relay        relay.Relay
	Media        media.Provider
	NewTransport TransportFactory

	// Optional.
	Notifier     Notifier
	Conversation ConversationSink
	Clock        clock.Clock

	ConnectTimeout  time.Duration
	QualityInterval time.Duration
	Thresholds      quality.Thresholds

	MissedCallText  string
	EndedCallFormat string

	// HandledCalls bounds the memory of foreign calls already rejected or
	// finished, so replayed row events for them are ignored.
	HandledCalls int
}

func (c *Config) validate() error {
	switch {
	case c.UserID == "":
		return errors.New("engine: user id is required")
	case c.Store == nil:
		return errors.New("engine: store is required")
	case c.Relay == nil:
		return errors.New("engine: relay is required")
	case c.Media == nil:
		return errors.New("engine: media provider is required")
	case c.NewTransport == nil:
		return errors.New("engine: transport factory is required")
	}
	if c.Notifier == nil {
		c.Notifier = LogNotifier{}
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.QualityInterval <= 0 {
		c.QualityInterval = quality.DefaultInterval
	}
	if c.Thresholds == (quality.Thresholds{}) {
		c.Thresholds = quality.DefaultThresholds()
	}
	if c.MissedCallText == "" {
		c.MissedCallText = DefaultMissedCallText
	}
	if c.EndedCallFormat == "" {
		c.EndedCallFormat = DefaultEndedCallFormat
	}
	if c.HandledCalls <= 0 {
		c.HandledCalls = defaultHandledCalls
	}
	return nil
}

// activeCall is the call owned by the machine. Fields are only touched on
// the event loop, except where noted.
type activeCall struct {
	id      string
	role    negotiation.Role
	state   State
	session call.Session

	rowCreated    bool
	everConnected bool
	connectedAt   time.Time
	answering     bool
	cleaned       bool

	stream  *media.Stream
	screen  *media.Stream
	engine  *negotiation.Engine
	queue   *ice.Queue
	subs    []relay.Subscription
	monitor *quality.Monitor
	timer   *clock.Timer

	pendingOffer *signal.SessionDescription
	seen         map[string]struct{}

	audioMuted    bool
	videoDisabled bool
	sharing       bool
	remote        remoteMedia
}

// remoteMedia is the peer's last announced media state.
type remoteMedia struct {
	audioMuted    bool
	videoDisabled bool
	sharing       bool
}

// Machine is the call state machine of one local participant.
type Machine struct {
	cfg   Config
	relay *relay.Guarded
	clock clock.Clock

	ctx    context.Context
	cancel context.CancelFunc

	qmu     sync.Mutex
	queue   []func()
	wake    chan struct{}
	done    chan struct{}
	stopped bool

	// loop-owned
	cur         *activeCall
	handled     *lru.Cache[string, struct{}]
	incomingSub relay.Subscription

	obsMu    sync.RWMutex
	state    State
	snapshot *call.Session

	subMu       sync.Mutex
	subscribers map[int]chan Event
	nextSub     int

	closeOnce sync.Once
}

// New creates a machine, starts its event loop and subscribes to incoming
// calls addressed to cfg.UserID.
func New(ctx context.Context, cfg Config) (*Machine, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	handled, err := lru.New[string, struct{}](cfg.HandledCalls)
	if err != nil {
		return nil, fmt.Errorf("engine: handled call cache: %w", err)
	}

	mctx, cancel := context.WithCancel(context.Background())
	m := &Machine{
		cfg:         cfg,
		relay:       relay.Guard(cfg.Relay, cfg.UserID),
		clock:       cfg.Clock,
		ctx:         mctx,
		cancel:      cancel,
		wake:        make(chan struct{}, 1),
		done:        make(chan struct{}),
		handled:     handled,
		state:       StateIdle,
		subscribers: make(map[int]chan Event),
	}
	go m.run()

	sub, err := m.relay.SubscribeIncoming(ctx, cfg.UserID, func(s call.Session) {
		m.post(func() { m.onIncoming(s) })
	})
	if err != nil {
		m.shutdown()
		return nil, fmt.Errorf("%w: subscribe incoming: %w", ErrRelay, err)
	}
	m.incomingSub = sub

	logrus.WithFields(logrus.Fields{
		"function": "New",
		"user_id":  cfg.UserID,
	}).Info("Call machine started")
	return m, nil
}

// UserID returns the local participant.
func (m *Machine) UserID() string { return m.cfg.UserID }

// State returns the current local state.
func (m *Machine) State() State {
	m.obsMu.RLock()
	defer m.obsMu.RUnlock()
	return m.state
}

// Active returns a copy of the current call's session, if any.
func (m *Machine) Active() (call.Session, bool) {
	m.obsMu.RLock()
	defer m.obsMu.RUnlock()
	if m.snapshot == nil {
		return call.Session{}, false
	}
	return m.snapshot.Clone(), true
}

// Subscribe returns a channel of domain events and a cancel function.
// Delivery never blocks the machine: events that do not fit in the buffer
// are dropped.
func (m *Machine) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	m.subMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subscribers[id] = ch
	m.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.subMu.Lock()
			if _, ok := m.subscribers[id]; ok {
				delete(m.subscribers, id)
				close(ch)
			}
			m.subMu.Unlock()
		})
	}
}

func (m *Machine) emit(ev Event) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for _, ch := range m.subscribers {
		select {
		case ch <- ev:
		default:
			logrus.WithFields(logrus.Fields{
				"function": "emit",
				"user_id":  m.cfg.UserID,
				"call_id":  ev.CallID(),
				"event":    fmt.Sprintf("%T", ev),
			}).Warn("Event subscriber full, dropping event")
		}
	}
}

// Close ends the current call, if any, and stops the machine.
func (m *Machine) Close() error {
	var err error
	m.closeOnce.Do(func() {
		err = m.exec(func() {
			if m.cur != nil {
				ctx, cancel := m.opContext()
				m.endLocally(ctx, m.cur, ReasonShutdown)
				cancel()
			}
			if m.incomingSub != nil {
				_ = m.incomingSub.Close()
				m.incomingSub = nil
			}
		})
		m.shutdown()

		m.subMu.Lock()
		for id, ch := range m.subscribers {
			delete(m.subscribers, id)
			close(ch)
		}
		m.subMu.Unlock()

		logrus.WithFields(logrus.Fields{
			"function": "Close",
			"user_id":  m.cfg.UserID,
		}).Info("Call machine closed")
	})
	return err
}

func (m *Machine) shutdown() {
	m.qmu.Lock()
	if !m.stopped {
		m.stopped = true
		close(m.done)
	}
	m.qmu.Unlock()
	m.cancel()
}

// post queues fn for the event loop. It reports false once the machine has
// stopped.
func (m *Machine) post(fn func()) bool {
	m.qmu.Lock()
	if m.stopped {
		m.qmu.Unlock()
		return false
	}
	m.queue = append(m.queue, fn)
	m.qmu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
	return true
}

// exec runs fn on the event loop and waits for it. It must not be called
// from the loop itself.
func (m *Machine) exec(fn func()) error {
	finished := make(chan struct{})
	if !m.post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrMachineClosed
	}
	select {
	case <-finished:
		return nil
	case <-m.done:
		return ErrMachineClosed
	}
}

// within runs fn on the loop only if ac is still the current call.
func (m *Machine) within(ac *activeCall, fn func() error) error {
	var err error
	if xerr := m.exec(func() {
		if m.cur != ac || ac.cleaned {
			err = ErrCallAborted
			return
		}
		err = fn()
	}); xerr != nil {
		return xerr
	}
	return err
}

func (m *Machine) run() {
	for {
		select {
		case <-m.done:
			return
		case <-m.wake:
		}
		for {
			m.qmu.Lock()
			if m.stopped || len(m.queue) == 0 {
				m.qmu.Unlock()
				break
			}
			task := m.queue[0]
			m.queue[0] = nil
			m.queue = m.queue[1:]
			m.qmu.Unlock()

			task()
		}
	}
}

// setState records the local state of ac and refreshes the observable
// snapshot. Loop only.
func (m *Machine) setState(ac *activeCall, s State) {
	ac.state = s
	m.publishObservable()
}

func (m *Machine) publishObservable() {
	m.obsMu.Lock()
	defer m.obsMu.Unlock()
	if m.cur == nil {
		m.state = StateIdle
		m.snapshot = nil
		return
	}
	m.state = m.cur.state
	s := m.cur.session.Clone()
	m.snapshot = &s
}

func (m *Machine) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(m.ctx, ioTimeout)
}

func (m *Machine) logger(function, callID string) *logrus.Entry {
	return logrus.WithFields(logrus.Fields{
		"function": function,
		"user_id":  m.cfg.UserID,
		"call_id":  callID,
	})
}

// sendSignal appends a signal to the call log and publishes it.
func (m *Machine) sendSignal(ctx context.Context, callID string, t signal.Type, p signal.Payload) error {
	sig, err := signal.New(callID, m.cfg.UserID, t, p, m.clock.Now())
	if err != nil {
		return err
	}
	if err := m.cfg.Store.AppendSignal(ctx, sig); err != nil {
		return fmt.Errorf("%w: append %s: %w", ErrStorage, t, err)
	}
	if err := m.relay.PublishSignal(ctx, sig); err != nil {
		return fmt.Errorf("%w: publish %s: %w", ErrRelay, t, err)
	}
	return nil
}

// sendWhileActive sends a signal for ac from inside the loop, so nothing is
// sent once ac has been torn down.
func (m *Machine) sendWhileActive(ctx context.Context, ac *activeCall, t signal.Type, p signal.Payload) error {
	return m.within(ac, func() error {
		return m.sendSignal(ctx, ac.id, t, p)
	})
}

// writeStatus updates the session row and publishes the row event.
func (m *Machine) writeStatus(ctx context.Context, callID string, status call.Status) (call.Session, error) {
	row, err := m.cfg.Store.UpdateStatus(ctx, callID, call.Update{Status: status, At: m.clock.Now()})
	if err != nil {
		return call.Session{}, fmt.Errorf("%w: write %s: %w", ErrStorage, status, err)
	}
	if err := m.relay.PublishSession(ctx, row); err != nil {
		return row, fmt.Errorf("%w: publish %s: %w", ErrRelay, status, err)
	}
	return row, nil
}

// notifyFailure surfaces a relay or storage error as a toast.
func (m *Machine) notifyFailure(err error) {
	switch {
	case errors.Is(err, ErrStorage):
		m.cfg.Notifier.NotifyError(KindStorage, err)
	case errors.Is(err, ErrRelay):
		m.cfg.Notifier.NotifyError(KindRelay, err)
	default:
		m.cfg.Notifier.NotifyError(KindSignaling, err)
	}
}

// newEngine creates the transport and negotiation engine of ac and attaches
// its local media. Loop only.
func (m *Machine) newEngine(ac *activeCall) error {
	transport, err := m.cfg.NewTransport(ac.session.Type)
	if err != nil {
		return fmt.Errorf("create transport: %w", err)
	}
	if ac.queue == nil {
		ac.queue = ice.NewQueue(ac.id)
	}
	callID := ac.id
	ac.engine = negotiation.New(callID, ac.role, transport, ac.queue,
		func(ctx context.Context, t signal.Type, p signal.Payload) error {
			return m.sendSignal(ctx, callID, t, p)
		},
		negotiation.Hooks{
			OnConnectionState: func(s negotiation.ConnectionState) {
				m.post(func() { m.onTransportState(ac, s) })
			},
			OnRemoteTrack: func(rt negotiation.RemoteTrack) {
				m.emit(RemoteStreamAttached{ID: callID, Track: rt})
			},
		})
	return ac.engine.AttachStream(ac.stream)
}

// subscribeCall opens the per-call signal and row subscriptions. Loop only.
func (m *Machine) subscribeCall(ctx context.Context, ac *activeCall) error {
	sigSub, err := m.relay.SubscribeSignals(ctx, ac.id, func(sig signal.Signal) {
		m.post(func() { m.onSignal(ac, sig) })
	})
	if err != nil {
		return fmt.Errorf("%w: subscribe signals: %w", ErrRelay, err)
	}
	ac.subs = append(ac.subs, sigSub)

	rowSub, err := m.relay.SubscribeSession(ctx, ac.id, func(s call.Session) {
		m.post(func() { m.onSessionRow(ac, s) })
	})
	if err != nil {
		return fmt.Errorf("%w: subscribe session: %w", ErrRelay, err)
	}
	ac.subs = append(ac.subs, rowSub)
	return nil
}

// armTimer schedules the connect timeout for ac. Loop only.
func (m *Machine) armTimer(ac *activeCall, d time.Duration) {
	if ac.timer != nil {
		ac.timer.Stop()
	}
	ac.timer = m.clock.AfterFunc(d, func() {
		m.post(func() { m.onTimeout(ac) })
	})
}

// markConnected moves ac to connected the first time it connects. Loop only.
func (m *Machine) markConnected(ac *activeCall) {
	if ac.state == StateConnected {
		return
	}
	if ac.timer != nil {
		ac.timer.Stop()
		ac.timer = nil
	}
	if !ac.everConnected {
		ac.everConnected = true
		ac.connectedAt = m.clock.Now()
	}
	if ac.session.Status != call.StatusConnected && !ac.session.Status.IsTerminal() {
		_ = ac.session.Apply(call.Update{Status: call.StatusConnected, At: ac.connectedAt})
	}
	m.setState(ac, StateConnected)
	m.cfg.Notifier.NotifyRingingStopped(ac.id)

	if ac.engine != nil && ac.monitor == nil {
		callID := ac.id
		ac.monitor = quality.NewMonitor(ac.engine, quality.Config{
			Interval:   m.cfg.QualityInterval,
			Thresholds: m.cfg.Thresholds,
			Clock:      m.clock,
		}, func(s quality.Sample) {
			m.emit(QualitySample{ID: callID, Sample: s})
		})
		if err := ac.monitor.Start(); err != nil {
			m.logger("markConnected", ac.id).WithError(err).Warn("Quality monitor did not start")
		}
	}

	m.logger("markConnected", ac.id).Info("Call connected")
	m.emit(CallConnected{Session: ac.session.Clone()})
}
