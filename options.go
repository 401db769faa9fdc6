package callsig

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/opd-ai/callsig/engine"
	"github.com/opd-ai/callsig/quality"
)

// ErrInvalidOptions is returned by Options.Validate.
var ErrInvalidOptions = errors.New("invalid options")

// StoreDriver selects the call store backend.
type StoreDriver string

const (
	// StoreMemory keeps calls in process memory.
	StoreMemory StoreDriver = "memory"
	// StoreSQLite uses a SQLite database file; StoreDSN is its path.
	StoreSQLite StoreDriver = "sqlite"
	// StorePostgres uses PostgreSQL; StoreDSN is the connection string.
	StorePostgres StoreDriver = "postgres"
)

// Options contains the configuration of one Client.
type Options struct {
	// UserID is the local participant.
	UserID string

	ConnectTimeout  time.Duration
	QualityInterval time.Duration
	Thresholds      quality.Thresholds

	// ICEServers are STUN/TURN URLs handed to the peer transport.
	ICEServers []string
	// LoopbackOnly keeps ICE gathering on loopback host candidates.
	LoopbackOnly bool

	// EventBuffer is the capacity of the Events channel.
	EventBuffer int

	MissedCallText  string
	EndedCallFormat string

	StoreDriver StoreDriver
	StoreDSN    string

	// RedisAddr selects the Redis relay; empty uses an in-process relay.
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

// NewOptions returns the default options.
func NewOptions() *Options {
	return &Options{
		ConnectTimeout:  engine.DefaultConnectTimeout,
		QualityInterval: quality.DefaultInterval,
		Thresholds:      quality.DefaultThresholds(),
		ICEServers:      []string{"stun:stun.l.google.com:19302"},
		EventBuffer:     64,
		MissedCallText:  engine.DefaultMissedCallText,
		EndedCallFormat: engine.DefaultEndedCallFormat,
		StoreDriver:     StoreMemory,
	}
}

// Validate checks that the options describe a usable client.
func (o *Options) Validate() error {
	switch {
	case o.UserID == "":
		return fmt.Errorf("%w: user id is required", ErrInvalidOptions)
	case o.ConnectTimeout <= 0:
		return fmt.Errorf("%w: connect timeout must be positive", ErrInvalidOptions)
	case o.QualityInterval <= 0:
		return fmt.Errorf("%w: quality interval must be positive", ErrInvalidOptions)
	case o.EventBuffer <= 0:
		return fmt.Errorf("%w: event buffer must be positive", ErrInvalidOptions)
	case o.Thresholds.PoorPacketLoss > o.Thresholds.BadPacketLoss || o.Thresholds.PoorRTT > o.Thresholds.BadRTT:
		return fmt.Errorf("%w: poor thresholds exceed bad thresholds", ErrInvalidOptions)
	case strings.Count(o.EndedCallFormat, "%d") != 1:
		return fmt.Errorf("%w: ended call format needs exactly one %%d verb", ErrInvalidOptions)
	}

	switch o.StoreDriver {
	case StoreMemory:
	case StoreSQLite, StorePostgres:
		if o.StoreDSN == "" {
			return fmt.Errorf("%w: %s store needs a dsn", ErrInvalidOptions, o.StoreDriver)
		}
	default:
		return fmt.Errorf("%w: unknown store driver %q", ErrInvalidOptions, o.StoreDriver)
	}
	return nil
}
