package messaging

import (
	"context"
	"encoding/json"
	"time"

	"example.com/greenhouse/pos/config"
	"example.com/greenhouse/pos/internal/models"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// InvoiceEventHandler processes one received invoice event
type InvoiceEventHandler func(ctx context.Context, event *models.InvoiceEvent) error

// ServiceBus publishes and consumes invoice events on an Azure Service Bus
// queue. The API server publishes post-commit; the worker consumes and
// projects into the search index.
type ServiceBus struct {
	client    *azservicebus.Client
	sender    *azservicebus.Sender
	queueName string
	enabled   bool
}

// NewServiceBus creates a service bus client. With no connection string
// configured it returns a disabled client whose Publish is a logged no-op.
func NewServiceBus(cfg config.AzureConfig) (*ServiceBus, error) {
	if cfg.QueueConnStr == "" {
		log.Warn().Msg("Service Bus connection string not provided, event publishing disabled")
		return &ServiceBus{enabled: false}, nil
	}

	client, err := azservicebus.NewClientFromConnectionString(cfg.QueueConnStr, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Service Bus client")
	}

	sender, err := client.NewSender(cfg.QueueName, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Service Bus sender")
	}

	return &ServiceBus{
		client:    client,
		sender:    sender,
		queueName: cfg.QueueName,
		enabled:   true,
	}, nil
}

// Publish sends one invoice event to the queue
func (s *ServiceBus) Publish(ctx context.Context, event *models.InvoiceEvent) error {
	if !s.enabled {
		return nil
	}

	data, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, "failed to marshal invoice event")
	}

	msg := &azservicebus.Message{
		Body: data,
		ApplicationProperties: map[string]interface{}{
			"type": event.Type,
			"time": time.Now().UTC().Format(time.RFC3339),
		},
	}
	return s.sender.SendMessage(ctx, msg, nil)
}

// ProcessMessages receives invoice events until the context is cancelled.
// A handler failure abandons the message so the bus redelivers it.
func (s *ServiceBus) ProcessMessages(ctx context.Context, handler InvoiceEventHandler) error {
	if !s.enabled {
		<-ctx.Done()
		return nil
	}

	receiver, err := s.client.NewReceiverForQueue(s.queueName, nil)
	if err != nil {
		return errors.Wrap(err, "failed to create Service Bus receiver")
	}
	defer receiver.Close(context.Background())

	for {
		messages, err := receiver.ReceiveMessages(ctx, 10, nil)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "failed to receive messages")
		}

		for _, msg := range messages {
			var event models.InvoiceEvent
			if err := json.Unmarshal(msg.Body, &event); err != nil {
				log.Error().Err(err).Msg("Malformed invoice event, dead-lettering")
				receiver.DeadLetterMessage(ctx, msg, nil)
				continue
			}

			if err := handler(ctx, &event); err != nil {
				log.Error().Err(err).Str("type", event.Type).Msg("Invoice event handler failed, abandoning message")
				receiver.AbandonMessage(ctx, msg, nil)
				continue
			}

			if err := receiver.CompleteMessage(ctx, msg, nil); err != nil {
				log.Error().Err(err).Msg("Failed to complete message")
			}
		}
	}
}

// Close closes the Service Bus client
func (s *ServiceBus) Close() error {
	if !s.enabled {
		return nil
	}
	if s.sender != nil {
		if err := s.sender.Close(context.Background()); err != nil {
			return err
		}
	}
	if s.client != nil {
		return s.client.Close(context.Background())
	}
	return nil
}
