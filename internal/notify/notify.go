// Package notify delivers operational and owner notifications: drift alerts,
// failed or disabled auto top-ups. Delivery is best effort.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/walletgate/internal/idgen"
)

// Kind identifies a notification template.
type Kind string

const (
	KindDriftAlert     Kind = "reconciliation.drift_alert"
	KindDriftResolved  Kind = "reconciliation.drift_resolved"
	KindTopoffFailed   Kind = "topoff.failed"
	KindTopoffDisabled Kind = "topoff.disabled"
)

// Notification is one message to one or more recipients.
type Notification struct {
	ID         string         `json:"id"`
	Kind       Kind           `json:"kind"`
	OrgID      string         `json:"orgId"`
	Recipients []string       `json:"recipients"`
	Subject    string         `json:"subject"`
	Body       string         `json:"body"`
	Data       map[string]any `json:"data,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// Notifier delivers notifications.
type Notifier interface {
	Notify(ctx context.Context, n *Notification) error
}

var (
	notifySent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "walletgate",
		Subsystem: "notify",
		Name:      "sent_total",
		Help:      "Notifications handed to the notifier by kind.",
	}, []string{"kind"})

	notifyErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "walletgate",
		Subsystem: "notify",
		Name:      "errors_total",
		Help:      "Notification delivery failures by kind.",
	}, []string{"kind"})
)

func init() {
	prometheus.MustRegister(notifySent, notifyErrors)
}

// Emitter wraps a Notifier so that callers never see delivery errors.
// Failures are logged and counted.
type Emitter struct {
	n       Notifier
	logger  *slog.Logger
	timeout time.Duration
}

// NewEmitter creates an emitter. A nil notifier drops everything.
func NewEmitter(n Notifier, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{n: n, logger: logger, timeout: 30 * time.Second}
}

// Emit fills in ID and Timestamp and delivers n.
func (e *Emitter) Emit(ctx context.Context, n *Notification) {
	if e == nil || e.n == nil {
		return
	}
	if n.ID == "" {
		n.ID = idgen.WithPrefix("ntf_")
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}
	notifySent.WithLabelValues(string(n.Kind)).Inc()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.timeout)
	defer cancel()
	if err := e.n.Notify(ctx, n); err != nil {
		notifyErrors.WithLabelValues(string(n.Kind)).Inc()
		e.logger.Warn("notification delivery failed",
			"kind", n.Kind, "org_id", n.OrgID, "error", err)
	}
}

// LogNotifier writes notifications to a logger.
type LogNotifier struct {
	Logger *slog.Logger
}

func (l LogNotifier) Notify(_ context.Context, n *Notification) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("notification",
		"kind", n.Kind,
		"org_id", n.OrgID,
		"recipients", n.Recipients,
		"subject", n.Subject,
	)
	return nil
}

// Multi fans a notification out to several notifiers and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, n *Notification) error {
	var errs []error
	for _, nt := range m {
		if err := nt.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps every notification in memory. Useful in tests and demos.
type Recorder struct {
	mu   sync.Mutex
	sent []*Notification
}

func (r *Recorder) Notify(_ context.Context, n *Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *n
	r.sent = append(r.sent, &cp)
	return nil
}

// Sent returns the recorded notifications in order.
func (r *Recorder) Sent() []*Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Notification(nil), r.sent...)
}

// Kinds returns the kinds of recorded notifications in order.
func (r *Recorder) Kinds() []Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Kind, len(r.sent))
	for i, n := range r.sent {
		out[i] = n.Kind
	}
	return out
}
