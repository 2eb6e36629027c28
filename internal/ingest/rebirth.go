package ingest

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/secil-digital/uns-metadata-sync/internal/sparkplug"
)

// Publisher sends a message to the broker. The subscriber satisfies this.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

type throttleKey struct {
	group  string
	edge   string
	device string
}

// RebirthThrottle rate-limits rebirth command requests per (group, edge,
// device) so a stream of unresolvable aliases cannot flood the broker.
type RebirthThrottle struct {
	interval time.Duration
	enabled  bool
	pub      Publisher
	logger   *zap.Logger
	now      func() time.Time

	mu   sync.Mutex
	last map[throttleKey]time.Time
}

// NewRebirthThrottle builds a throttle. A nil publisher disables requests.
func NewRebirthThrottle(interval time.Duration, enabled bool, pub Publisher, logger *zap.Logger) *RebirthThrottle {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RebirthThrottle{
		interval: interval,
		enabled:  enabled && pub != nil,
		pub:      pub,
		logger:   logger,
		now:      time.Now,
		last:     make(map[throttleKey]time.Time),
	}
}

// MayRequest publishes an empty rebirth command for the edge node unless one
// was already sent for this key within the throttle interval.
func (t *RebirthThrottle) MayRequest(group, edge, device string) {
	if !t.enabled {
		return
	}
	key := throttleKey{group: group, edge: edge, device: device}

	t.mu.Lock()
	now := t.now()
	if last, ok := t.last[key]; ok && now.Sub(last) < t.interval {
		t.mu.Unlock()
		return
	}
	t.last[key] = now
	t.mu.Unlock()

	topic := sparkplug.RebirthTopic(group, edge)
	if err := t.pub.Publish(topic, nil); err != nil {
		t.logger.Warn("rebirth request failed",
			zap.String("topic", topic),
			zap.Error(err),
		)
		return
	}
	t.logger.Info("requested rebirth",
		zap.String("group", group),
		zap.String("edge", edge),
		zap.String("device", device),
	)
}
