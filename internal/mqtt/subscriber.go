package mqtt

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/lilphil/homeassistant-classcharts/internal/integration"
)

const commandSuffix = "/refresh/set"

func (p *Publisher) subscribeCommands(ctx context.Context, cm *autopaho.ConnectionManager) {
	filter := p.commandFilter()
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: filter, QoS: 1}},
	}); err != nil {
		p.logger.Warn("mqtt command subscribe failed", "filter", filter, "error", err)
		return
	}
	p.logger.Debug("mqtt subscribed to commands", "filter", filter)
}

// entryForCommand resolves a refresh command topic to its entry.
func (p *Publisher) entryForCommand(topic string) (*integration.Instance, bool) {
	prefix := p.baseTopic() + "/"
	if !strings.HasPrefix(topic, prefix) || !strings.HasSuffix(topic, commandSuffix) {
		return nil, false
	}
	id := strings.TrimSuffix(strings.TrimPrefix(topic, prefix), commandSuffix)
	if id == "" || strings.Contains(id, "/") {
		return nil, false
	}
	return p.registry.Get(id)
}

// handleCommand starts a refresh for a button press. It reports whether
// the message was addressed to a known entry.
func (p *Publisher) handleCommand(ctx context.Context, topic string, payload []byte) bool {
	inst, ok := p.entryForCommand(topic)
	if !ok {
		p.logger.Debug("mqtt message ignored", "topic", topic, "payload_size", len(payload))
		return false
	}
	if got := strings.TrimSpace(string(payload)); got != payloadPress {
		p.logger.Warn("mqtt refresh command with unexpected payload",
			"entry_id", inst.Entry.ID, "payload", got)
		return true
	}
	if !p.presses.allow() {
		return true
	}

	p.logger.Info("refresh requested via mqtt", "entry_id", inst.Entry.ID)
	go func() {
		if err := inst.Coordinator.Refresh(ctx); err != nil {
			p.logger.Warn("mqtt-triggered refresh failed", "entry_id", inst.Entry.ID, "error", err)
		}
	}()
	return true
}

// pressLimiter caps refresh presses per interval so a stuck button or
// a retained command cannot hammer the ClassCharts API.
type pressLimiter struct {
	count    atomic.Int64
	dropped  atomic.Int64
	limit    int64
	interval time.Duration
	logger   *slog.Logger
}

func newPressLimiter(limit int64, interval time.Duration, logger *slog.Logger) *pressLimiter {
	return &pressLimiter{limit: limit, interval: interval, logger: logger}
}

// start resets the budget every interval until ctx is cancelled.
func (r *pressLimiter) start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.count.Store(0)
			if dropped := r.dropped.Swap(0); dropped > 0 {
				r.logger.Warn("mqtt refresh presses dropped",
					"dropped", dropped,
					"interval", r.interval.String(),
					"limit", r.limit,
				)
			}
		}
	}
}

func (r *pressLimiter) allow() bool {
	if r.count.Add(1) > r.limit {
		r.dropped.Add(1)
		return false
	}
	return true
}
