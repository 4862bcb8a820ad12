package broker

import "context"

// Message is a single publication. Topic names the exchange (RabbitMQ) or topic (Pub/Sub).
type Message struct {
	Topic   string
	Key     string // routing key (RabbitMQ) or ordering key (Pub/Sub)
	Payload []byte
	Headers map[string]string
}

// MessageBroker defines the operations to publish messages to a broker.
type MessageBroker interface {
	// Publish sends the message to its topic or exchange.
	Publish(ctx context.Context, msg *Message) error
	// Close cleans up any resources (connections).
	Close() error
}
