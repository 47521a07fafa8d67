package postgres

import (
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/upb/llm-gateway/repositories"
)

func TestParseNotification(t *testing.T) {
	tests := []struct {
		payload string
		want    repositories.ChangeEvent
		ok      bool
	}{
		{"provider:openai-main", repositories.ChangeEvent{Kind: repositories.ChangeProvider, ID: "openai-main"}, true},
		{"fallback:ns:model", repositories.ChangeEvent{Kind: repositories.ChangeFallback, ID: "ns:model"}, true},
		{"provider:", repositories.ChangeEvent{Kind: repositories.ChangeProvider}, true},
		{"policy:p1", repositories.ChangeEvent{}, false},
		{"provider", repositories.ChangeEvent{}, false},
		{"", repositories.ChangeEvent{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.payload, func(t *testing.T) {
			got, ok := ParseNotification(tt.payload)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNotifier_Dispatch(t *testing.T) {
	var events repositories.Subscribers
	var got []repositories.ChangeEvent
	events.Subscribe(func(ev repositories.ChangeEvent) { got = append(got, ev) })

	n := &Notifier{events: &events, logger: zap.NewNop()}

	n.dispatch(&pq.Notification{Channel: NotifyChannel, Extra: "fallback:gpt-4o"})
	n.dispatch(&pq.Notification{Channel: NotifyChannel, Extra: "garbage"})
	n.dispatch(nil)

	assert.Equal(t, []repositories.ChangeEvent{
		{Kind: repositories.ChangeFallback, ID: "gpt-4o"},
		{Kind: repositories.ChangeProvider},
		{Kind: repositories.ChangeFallback},
	}, got)
}
