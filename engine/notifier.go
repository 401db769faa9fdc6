package engine

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/callsig/call"
	"github.com/opd-ai/callsig/media"
)

// ErrorKind classifies errors shown to the user.
type ErrorKind int

const (
	KindMediaNotAllowed ErrorKind = iota
	KindMediaNotReadable
	KindMediaNotFound
	KindMediaOther
	KindSignaling
	KindUnstable
	KindRelay
	KindStorage
	KindTimeout
)

// String returns the kind name used in logs and toasts.
func (k ErrorKind) String() string {
	switch k {
	case KindMediaNotAllowed:
		return "media-not-allowed"
	case KindMediaNotReadable:
		return "media-not-readable"
	case KindMediaNotFound:
		return "media-not-found"
	case KindMediaOther:
		return "media-other"
	case KindSignaling:
		return "signaling"
	case KindUnstable:
		return "unstable"
	case KindRelay:
		return "relay"
	case KindStorage:
		return "storage"
	case KindTimeout:
		return "timeout"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// mediaErrorKind maps a capture failure to its user-facing kind.
func mediaErrorKind(err error) ErrorKind {
	switch media.KindOf(err) {
	case media.KindNotAllowed:
		return KindMediaNotAllowed
	case media.KindNotReadable:
		return KindMediaNotReadable
	case media.KindNotFound:
		return KindMediaNotFound
	default:
		return KindMediaOther
	}
}

// Notifier receives the user-facing side effects of the call engine:
// tones, ringtone and toasts. Calls are made from the machine's event loop
// and must return quickly.
type Notifier interface {
	NotifyRinging(s call.Session)
	NotifyRingingStopped(callID string)
	NotifyConnecting(callID string)
	NotifyBusy(callID string)
	NotifyEnded(callID string, status call.Status)
	NotifyError(kind ErrorKind, err error)
}

// ConversationSink appends system messages to the call's conversation.
type ConversationSink interface {
	AppendSystemMessage(ctx context.Context, conversationID, text string) error
}

// LogNotifier is a Notifier that only logs.
type LogNotifier struct{}

// NotifyRinging implements Notifier.
func (LogNotifier) NotifyRinging(s call.Session) {
	logrus.WithFields(logrus.Fields{
		"function":  "NotifyRinging",
		"call_id":   s.ID,
		"caller_id": s.CallerID,
		"call_type": s.Type,
	}).Info("Incoming call ringing")
}

// NotifyRingingStopped implements Notifier.
func (LogNotifier) NotifyRingingStopped(callID string) {
	logrus.WithFields(logrus.Fields{
		"function": "NotifyRingingStopped",
		"call_id":  callID,
	}).Debug("Ringing stopped")
}

// NotifyConnecting implements Notifier.
func (LogNotifier) NotifyConnecting(callID string) {
	logrus.WithFields(logrus.Fields{
		"function": "NotifyConnecting",
		"call_id":  callID,
	}).Info("Connecting call")
}

// NotifyBusy implements Notifier.
func (LogNotifier) NotifyBusy(callID string) {
	logrus.WithFields(logrus.Fields{
		"function": "NotifyBusy",
		"call_id":  callID,
	}).Info("Callee is busy")
}

// NotifyEnded implements Notifier.
func (LogNotifier) NotifyEnded(callID string, status call.Status) {
	logrus.WithFields(logrus.Fields{
		"function": "NotifyEnded",
		"call_id":  callID,
		"status":   status,
	}).Info("Call ended")
}

// NotifyError implements Notifier.
func (LogNotifier) NotifyError(kind ErrorKind, err error) {
	logrus.WithFields(logrus.Fields{
		"function": "NotifyError",
		"kind":     kind.String(),
		"error":    err.Error(),
	}).Warn("Call error")
}
