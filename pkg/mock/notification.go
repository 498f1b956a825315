package mock

import (
	"context"
	"sync"

	"github.com/instill-ai/docflow-backend/pkg/notification"
)

// Sender records the events it is asked to deliver.
type Sender struct {
	mu     sync.Mutex
	events []notification.Event

	// Err, when set, is returned by Send for the events it accepts.
	Err func(notification.Event) error
}

// Send implements notification.Sender.
func (s *Sender) Send(_ context.Context, _ string, ev notification.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		if err := s.Err(ev); err != nil {
			return err
		}
	}
	s.events = append(s.events, ev)
	return nil
}

// Events returns the delivered events.
func (s *Sender) Events() []notification.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]notification.Event(nil), s.events...)
}

// Publisher records the broadcast messages.
type Publisher struct {
	mu       sync.Mutex
	messages [][]byte
}

// Publish implements broadcast.Publisher.
func (p *Publisher) Publish(_ context.Context, msg []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, msg)
	return nil
}

// Messages returns the published messages.
func (p *Publisher) Messages() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.messages))
	for i, m := range p.messages {
		out[i] = string(m)
	}
	return out
}
