package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/upb/llm-gateway/repositories"
)

// Notifier listens on NotifyChannel and relays registry changes to subscribers
type Notifier struct {
	listener     *pq.Listener
	events       *repositories.Subscribers
	logger       *zap.Logger
	pingInterval time.Duration
}

// NewNotifier creates a listener on its own connection. Call Run to start it.
func NewNotifier(dsn string, events *repositories.Subscribers, logger *zap.Logger) *Notifier {
	n := &Notifier{
		events:       events,
		logger:       logger,
		pingInterval: 90 * time.Second,
	}
	n.listener = pq.NewListener(dsn, 10*time.Second, time.Minute, n.onEvent)
	return n
}

// Run blocks relaying notifications until ctx is cancelled
func (n *Notifier) Run(ctx context.Context) error {
	if err := n.listener.Listen(NotifyChannel); err != nil {
		return fmt.Errorf("failed to listen on %s: %w", NotifyChannel, err)
	}
	defer n.listener.Close()

	n.logger.Info("listening for registry changes", zap.String("channel", NotifyChannel))

	ticker := time.NewTicker(n.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case note := <-n.listener.Notify:
			n.dispatch(note)
		case <-ticker.C:
			go func() {
				if err := n.listener.Ping(); err != nil {
					n.logger.Warn("registry listener ping failed", zap.Error(err))
				}
			}()
		}
	}
}

// dispatch publishes one notification. A nil notification follows a
// reconnect, when changes may have been missed, so everything is reloaded.
func (n *Notifier) dispatch(note *pq.Notification) {
	if note == nil {
		n.events.Publish(repositories.ChangeEvent{Kind: repositories.ChangeProvider})
		n.events.Publish(repositories.ChangeEvent{Kind: repositories.ChangeFallback})
		return
	}

	ev, ok := ParseNotification(note.Extra)
	if !ok {
		n.logger.Warn("ignoring malformed registry notification", zap.String("payload", note.Extra))
		return
	}
	n.events.Publish(ev)
}

func (n *Notifier) onEvent(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventDisconnected, pq.ListenerEventConnectionAttemptFailed:
		n.logger.Warn("registry listener connection lost", zap.Error(err))
	case pq.ListenerEventReconnected:
		n.logger.Info("registry listener reconnected")
	}
}

// ParseNotification decodes a "provider:<id>" or "fallback:<model id>" payload
func ParseNotification(payload string) (repositories.ChangeEvent, bool) {
	kind, id, found := strings.Cut(payload, ":")
	if !found {
		return repositories.ChangeEvent{}, false
	}
	switch repositories.ChangeKind(kind) {
	case repositories.ChangeProvider, repositories.ChangeFallback:
		return repositories.ChangeEvent{Kind: repositories.ChangeKind(kind), ID: id}, true
	}
	return repositories.ChangeEvent{}, false
}
