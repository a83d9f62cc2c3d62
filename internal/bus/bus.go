// Package bus carries messages between channels and the gateway.
package bus

import (
	"context"
	"log"
	"sync"
	"time"
)

// InboundMessage is a user message arriving from a channel.
type InboundMessage struct {
	Channel   string
	SenderID  string
	ChatID    string
	Content   string
	Timestamp time.Time
}

// OwnerKey identifies the task-list owner a message acts for. Channel
// identity is the ownership boundary: every sender gets their own tasks.
func (m *InboundMessage) OwnerKey() string {
	return m.Channel + ":" + m.SenderID
}

// OutboundMessage is a reply headed back to a channel.
type OutboundMessage struct {
	Channel string
	ChatID  string
	Content string
}

// MessageBus fans inbound messages to the gateway and routes outbound
// messages to the channel that owns them.
type MessageBus struct {
	Inbound  chan InboundMessage
	Outbound chan OutboundMessage

	mu          sync.RWMutex
	subscribers map[string]func(OutboundMessage)
}

func NewMessageBus(bufSize int) *MessageBus {
	return &MessageBus{
		Inbound:     make(chan InboundMessage, bufSize),
		Outbound:    make(chan OutboundMessage, bufSize),
		subscribers: make(map[string]func(OutboundMessage)),
	}
}

// SubscribeOutbound registers the sender for a channel name. One subscriber
// per channel; a later registration replaces the earlier one.
func (b *MessageBus) SubscribeOutbound(channel string, fn func(OutboundMessage)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[channel] = fn
}

// DispatchOutbound routes outbound messages to their channel subscriber
// until ctx is done.
func (b *MessageBus) DispatchOutbound(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-b.Outbound:
			b.mu.RLock()
			fn, ok := b.subscribers[msg.Channel]
			b.mu.RUnlock()
			if !ok {
				log.Printf("[bus] no subscriber for channel %q, dropping message", msg.Channel)
				continue
			}
			fn(msg)
		}
	}
}
