package publisher

import "context"

// Message is a single payload bound for a topic.
type Message struct {
	Topic    string
	Payload  []byte
	Retained bool
}

// Publisher delivers messages to a broker.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}
