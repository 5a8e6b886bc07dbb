package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/vnmchuo/llm-relay/internal/store"
)

// DefaultChannel is the well-known pub/sub channel the chat collaborator
// listens on.
const DefaultChannel = "discord"

type EventType string

const (
	SendChannel  EventType = "send:channel"
	SendUser     EventType = "send:user"
	ReplyMessage EventType = "reply:message"
	SendTyping   EventType = "send:typing"
)

// Event is what the chat-side collaborator consumes to route a result
// back to the original requester. Delivery order is not guaranteed to
// match job submission order.
type Event struct {
	Type      EventType `json:"type"`
	JobID     string    `json:"jobId,omitempty"`
	ChannelID string    `json:"channelId,omitempty"`
	UserID    string    `json:"userId,omitempty"`
	MessageID string    `json:"messageId,omitempty"`
	Content   string    `json:"content,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Publisher sends events through the shared store's pub/sub channel.
type Publisher struct {
	st      store.Store
	channel string
}

func NewPublisher(st store.Store, channel string) *Publisher {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Publisher{st: st, channel: channel}
}

func (p *Publisher) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := p.st.Publish(ctx, p.channel, string(data)); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Subscriber decodes events off the notification channel.
type Subscriber struct {
	st      store.Store
	channel string
	logger  *slog.Logger
}

func NewSubscriber(st store.Store, channel string, logger *slog.Logger) *Subscriber {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Subscriber{st: st, channel: channel, logger: logger}
}

// Subscribe returns decoded events until the context is cancelled.
// Payloads that do not decode are logged and skipped.
func (s *Subscriber) Subscribe(ctx context.Context) (<-chan Event, error) {
	raw, err := s.st.Subscribe(ctx, s.channel)
	if err != nil {
		return nil, err
	}

	out := make(chan Event)
	go func() {
		defer close(out)
		for payload := range raw {
			var ev Event
			if err := json.Unmarshal([]byte(payload), &ev); err != nil {
				s.logger.Warn("dropping undecodable event", "error", err)
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
