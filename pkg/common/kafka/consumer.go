package kafka

import (
	"context"
	"encoding/json"
	"time"

	"github.com/machinehub/platform/pkg/common/config"
	"github.com/machinehub/platform/pkg/common/logger"
	"github.com/machinehub/platform/pkg/common/models"
	"github.com/segmentio/kafka-go"
)

const (
	retryBaseDelay = time.Second
	retryMaxDelay  = time.Minute
)

// messageReader is the part of *kafka.Reader the consumer uses.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Consumer struct {
	reader    messageReader
	retryBase time.Duration
	retryMax  time.Duration
}

func NewConsumer(cfg *config.Config, topic string, groupID string) *Consumer {
	if groupID == "" {
		groupID = cfg.KafkaGroupID
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.KafkaBrokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 10e3, // 10KB
		MaxBytes: 10e6, // 10MB
	})

	return &Consumer{reader: reader, retryBase: retryBaseDelay, retryMax: retryMaxDelay}
}

// Consume hands each message to handler and commits it once the handler
// succeeds. A failing message is retried in place, so the committed offset
// never moves past an unsettled task.
func (c *Consumer) Consume(ctx context.Context, handler models.TaskHandler) error {
	for {
		message, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Log.WithError(err).Error("Failed to fetch message")
			continue
		}

		var task models.DeliveryTask
		if err := json.Unmarshal(message.Value, &task); err != nil {
			logger.Log.WithError(err).WithField("offset", message.Offset).Error("Failed to unmarshal delivery task")
			if err := c.reader.CommitMessages(ctx, message); err != nil {
				logger.Log.WithError(err).WithField("offset", message.Offset).Error("Failed to commit message")
			}
			continue
		}

		if err := c.handleUntilSettled(ctx, task, handler); err != nil {
			return err
		}

		if err := c.reader.CommitMessages(ctx, message); err != nil {
			logger.Log.WithError(err).Error("Failed to commit message")
		}
	}
}

// handleUntilSettled calls handler until it succeeds, doubling the pause
// between calls up to retryMax. It only fails when ctx is done.
func (c *Consumer) handleUntilSettled(ctx context.Context, task models.DeliveryTask, handler models.TaskHandler) error {
	delay := c.retryBase
	for {
		err := handler(ctx, task)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		logger.Log.WithError(err).WithFields(map[string]interface{}{
			"task_id":  task.ID,
			"supplier": task.Supplier,
			"tenant":   task.Tenant,
			"retry_in": delay.String(),
		}).Error("Failed to process delivery task")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		if delay *= 2; delay > c.retryMax {
			delay = c.retryMax
		}
	}
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
