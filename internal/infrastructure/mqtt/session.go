package mqtt

import (
	"sort"
	"sync"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// MessageHandler receives one inbound message. paho runs handlers on its
// own goroutines. A returned error is logged and otherwise ignored.
type MessageHandler func(topic string, payload []byte) error

type subscription struct {
	qos     byte
	handler MessageHandler
}

// subscriptionSet remembers subscriptions so they survive reconnects.
type subscriptionSet struct {
	mu   sync.RWMutex
	subs map[string]subscription
}

func newSubscriptionSet() *subscriptionSet {
	return &subscriptionSet{subs: make(map[string]subscription)}
}

func (s *subscriptionSet) put(topic string, sub subscription) {
	s.mu.Lock()
	s.subs[topic] = sub
	s.mu.Unlock()
}

func (s *subscriptionSet) drop(topic string) {
	s.mu.Lock()
	delete(s.subs, topic)
	s.mu.Unlock()
}

// topics returns the remembered topic filters in sorted order.
func (s *subscriptionSet) topics() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.subs))
	for t := range s.subs {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// replay re-issues every remembered subscription. Tokens are not awaited;
// paho reports failures through the connection lost handler.
func (s *subscriptionSet) replay(client pahomqtt.Client, wrap func(MessageHandler) pahomqtt.MessageHandler) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for topic, sub := range s.subs {
		client.Subscribe(topic, sub.qos, wrap(sub.handler))
	}
}

// dispatch adapts a MessageHandler to paho, recovering panics and logging errors.
func (c *Client) dispatch(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		logger := c.getLogger()
		defer func() {
			if r := recover(); r != nil && logger != nil {
				logger.Error("MQTT handler panic recovered", "topic", msg.Topic(), "panic", r)
			}
		}()

		if err := handler(msg.Topic(), msg.Payload()); err != nil && logger != nil {
			logger.Warn("MQTT handler returned error", "topic", msg.Topic(), "error", err)
		}
	}
}
