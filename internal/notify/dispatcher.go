package notify

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/marcus-qen/connwatch/internal/controlplane/alerts"
	"github.com/marcus-qen/connwatch/internal/controlplane/events"
	"github.com/marcus-qen/connwatch/internal/controlplane/metrics"
	"go.uber.org/zap"
)

// DefaultSendTimeout bounds one external channel delivery.
const DefaultSendTimeout = 10 * time.Second

// Subscriber is an in-process alert callback.
type Subscriber func(ctx context.Context, a alerts.Alert) error

// Publisher is the broadcast channel contract.
type Publisher interface {
	Publish(evt events.Event)
}

// DispatchReport lists the outcome per sink for one alert.
type DispatchReport struct {
	AlertID     string            `json:"alert_id"`
	Delivered   []string          `json:"delivered"`
	Failed      map[string]string `json:"failed,omitempty"`
	RateLimited bool              `json:"rate_limited,omitempty"`
}

// OK reports whether every sink accepted the alert.
func (r DispatchReport) OK() bool { return len(r.Failed) == 0 }

// Dispatcher delivers alerts best-effort to every registered sink. A failing
// or panicking sink is logged and isolated; Dispatch never fails its caller.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]Subscriber
	publisher   Publisher
	router      *Router
	sendTimeout time.Duration
	metrics     *metrics.Metrics
	logger      *zap.Logger
}

// NewDispatcher creates a dispatcher with no sinks.
func NewDispatcher(logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		subscribers: make(map[string]Subscriber),
		sendTimeout: DefaultSendTimeout,
		logger:      logger.Named("dispatcher"),
	}
}

// Subscribe registers or replaces an in-process callback.
func (d *Dispatcher) Subscribe(id string, fn Subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subscribers[id] = fn
}

// Unsubscribe removes a callback and reports whether it existed.
func (d *Dispatcher) Unsubscribe(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.subscribers[id]
	delete(d.subscribers, id)
	return ok
}

// SetPublisher sets the broadcast channel.
func (d *Dispatcher) SetPublisher(p Publisher) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.publisher = p
}

// SetRouter sets the external channel router.
func (d *Dispatcher) SetRouter(r *Router) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.router = r
}

// SetSendTimeout bounds each external delivery.
func (d *Dispatcher) SetSendTimeout(timeout time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if timeout > 0 {
		d.sendTimeout = timeout
	}
}

// SetRecorder attaches Prometheus instrumentation.
func (d *Dispatcher) SetRecorder(m *metrics.Metrics) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.metrics = m
}

// Dispatch fans a out to subscribers, the broadcast channel and the routed
// external channels.
func (d *Dispatcher) Dispatch(ctx context.Context, a alerts.Alert) DispatchReport {
	d.mu.RLock()
	ids := make([]string, 0, len(d.subscribers))
	for id := range d.subscribers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	subs := make([]Subscriber, len(ids))
	for i, id := range ids {
		subs[i] = d.subscribers[id]
	}
	publisher := d.publisher
	router := d.router
	timeout := d.sendTimeout
	rec := d.metrics
	d.mu.RUnlock()

	report := DispatchReport{AlertID: a.ID, Delivered: []string{}, Failed: map[string]string{}}
	var mu sync.Mutex
	record := func(sink string, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			report.Failed[sink] = err.Error()
			rec.DispatchFailed(sink)
			d.logger.Warn("alert delivery failed",
				zap.String("sink", sink),
				zap.String("alert_id", a.ID),
				zap.String("instance_id", a.InstanceID),
				zap.Error(err),
			)
			return
		}
		report.Delivered = append(report.Delivered, sink)
	}

	for i, fn := range subs {
		sink := "subscriber:" + ids[i]
		record(sink, isolate(func() error { return fn(ctx, a) }))
	}

	if publisher != nil {
		record("broadcast", isolate(func() error {
			publisher.Publish(events.Event{
				Type:       events.NewAlert,
				InstanceID: a.InstanceID,
				Summary:    a.Message,
				Detail:     a,
				Timestamp:  a.Timestamp,
			})
			return nil
		}))
	}

	if router != nil {
		msg := MessageFromAlert(a)
		channels, allowed := router.ChannelsFor(msg)
		if !allowed {
			report.RateLimited = true
			d.logger.Info("notification rate-limited", zap.String("instance_id", a.InstanceID), zap.String("alert_id", a.ID))
		}
		var wg sync.WaitGroup
		for _, ch := range channels {
			wg.Add(1)
			go func(ch Channel) {
				defer wg.Done()
				sendCtx, cancel := context.WithTimeout(ctx, timeout)
				defer cancel()
				record(ch.Type(), isolate(func() error { return ch.Send(sendCtx, msg) }))
			}(ch)
		}
		wg.Wait()
	}

	sort.Strings(report.Delivered)
	return report
}

func isolate(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink panicked: %v", r)
		}
	}()
	return fn()
}
