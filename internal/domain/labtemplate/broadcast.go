package labtemplate

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/opsdash/opsdash/internal/platform/websocket"
)

const (
	TopicTemplates     = "test-templates"
	EventStateSnapshot = "test-templates.state"
)

// Broadcaster forwards store snapshots to a websocket publisher. Snapshots
// that arrive after a newer one has been sent are dropped.
type Broadcaster struct {
	pub    websocket.EventPublisher
	logger zerolog.Logger

	mu   sync.Mutex
	sent uint64
}

func NewBroadcaster(pub websocket.EventPublisher, logger zerolog.Logger) *Broadcaster {
	return &Broadcaster{pub: pub, logger: logger.With().Str("component", "template_broadcaster").Logger()}
}

// Attach subscribes to s and publishes its current state right away.
func (b *Broadcaster) Attach(s *Store) (detach func()) {
	detach = s.Subscribe(b.publish)
	b.publish(s.State())
	return detach
}

func (b *Broadcaster) publish(st State) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if st.Version != 0 && st.Version <= b.sent {
		return
	}
	data, err := json.Marshal(st)
	if err != nil {
		b.logger.Error().Err(err).Uint64("version", st.Version).Msg("failed to marshal state")
		return
	}
	ev := websocket.Event{
		Type:      EventStateSnapshot,
		Topic:     TopicTemplates,
		Version:   st.Version,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
	if err := b.pub.Publish(context.Background(), ev); err != nil {
		b.logger.Warn().Err(err).Uint64("version", st.Version).Msg("failed to publish state")
		return
	}
	b.sent = st.Version
}
