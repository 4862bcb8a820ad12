package broker

import (
	"fmt"
	"log/slog"

	"github.com/streadway/amqp"
	"github.com/zoff-tech/go-calsync/pkg/config"
)

type pooledChannel struct {
	channel     *amqp.Channel
	notifyClose chan *amqp.Error
}

var amqpDial = amqp.Dial

func newConnection(settings *config.BrokerSettings) (*amqp.Connection, error) {
	conn, err := amqpDial(settings.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	// Set up a channel to handle connection close notifications
	notifyClose := make(chan *amqp.Error)
	conn.NotifyClose(notifyClose)
	go func() {
		for err := range notifyClose {
			slog.Warn("RabbitMQ connection closed", "error", err)
		}
	}()

	return conn, nil
}

func (r *rabbitMqBroker) connectAndInitialize() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Close existing connection if it exists
	if r.connection != nil && !r.connection.IsClosed() {
		r.connection.Close()
	}

	// Establish a new connection
	connection, err := newConnection(r.settings)
	if err != nil {
		return err
	}
	r.connection = connection
	r.declared = make(map[string]bool)

	// Drain the channels bound to the previous connection
	for drained := false; !drained; {
		select {
		case stale := <-r.channelPool:
			stale.channel.Close()
		default:
			drained = true
		}
	}

	// Reinitialize the channel pool
	for i := 0; i < r.settings.PoolSize; i++ {
		channel, err := connection.Channel()
		if err != nil {
			return err
		}
		r.channelPool <- &pooledChannel{
			channel:     channel,
			notifyClose: channel.NotifyClose(make(chan *amqp.Error, 1)),
		}
	}

	slog.Info("RabbitMQ connection and channel pool initialized", "pool_size", r.settings.PoolSize)
	return nil
}

func (r *rabbitMqBroker) recoverConnection() {
	for {
		select {
		case <-r.reconnectTicker.C:
			r.mu.Lock()
			closed := r.connection == nil || r.connection.IsClosed()
			r.mu.Unlock()
			if closed {
				slog.Info("Attempting to reconnect to RabbitMQ")
				if err := r.connectAndInitialize(); err != nil {
					slog.Error("Failed to reconnect to RabbitMQ", "error", err)
				} else {
					slog.Info("Reconnected to RabbitMQ successfully")
				}
			}
		case <-r.stopReconnect:
			slog.Debug("Stopping RabbitMQ connection recovery")
			return
		}
	}
}

func (r *rabbitMqBroker) getChannel() (*pooledChannel, error) {
	for {
		select {
		case pooledChan := <-r.channelPool:
			select {
			case err := <-pooledChan.notifyClose:
				// Channel is closed, discard it
				slog.Debug("Discarding closed channel", "error", err)
				continue
			default:
				return pooledChan, nil
			}
		default:
			// Create a new channel if none are available
			r.mu.Lock()
			conn := r.connection
			r.mu.Unlock()
			channel, err := conn.Channel()
			if err != nil {
				return nil, fmt.Errorf("failed to open channel: %w", err)
			}
			return &pooledChannel{
				channel:     channel,
				notifyClose: channel.NotifyClose(make(chan *amqp.Error, 1)),
			}, nil
		}
	}
}

func (r *rabbitMqBroker) releaseChannel(pooledChan *pooledChannel) {
	select {
	case err := <-pooledChan.notifyClose:
		// Channel is closed, discard it
		slog.Debug("Discarding closed channel", "error", err)
		return
	default:
		// Channel is valid, return it to the pool
		select {
		case r.channelPool <- pooledChan:
		default:
			// Pool is full, close the channel
			pooledChan.channel.Close()
		}
	}
}
