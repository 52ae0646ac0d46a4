package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/machinehub/platform/pkg/common/config"
	"github.com/machinehub/platform/pkg/common/logger"
	"github.com/machinehub/platform/pkg/common/models"
	"github.com/segmentio/kafka-go"
)

type Producer struct {
	writer *kafka.Writer
}

func NewProducer(cfg *config.Config, topic string) *Producer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.KafkaBrokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
		BatchSize:    1,
		BatchTimeout: 10 * time.Millisecond,
	}

	return &Producer{writer: writer}
}

// TaskMessage encodes a delivery task. The key keeps every attempt for one
// (supplier, event, tenant) on the same partition.
func TaskMessage(task models.DeliveryTask) (kafka.Message, error) {
	value, err := json.Marshal(task)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("failed to marshal delivery task: %w", err)
	}
	return kafka.Message{
		Key:   []byte(task.Supplier + ":" + task.Record.EventID + ":" + task.Tenant),
		Value: value,
		Headers: []kafka.Header{
			{Key: "task-id", Value: []byte(task.ID)},
			{Key: "supplier", Value: []byte(task.Supplier)},
			{Key: "tenant", Value: []byte(task.Tenant)},
			{Key: "attempt", Value: []byte(strconv.Itoa(task.Attempt))},
		},
	}, nil
}

func (p *Producer) Enqueue(ctx context.Context, task models.DeliveryTask) error {
	message, err := TaskMessage(task)
	if err != nil {
		return err
	}

	fields := map[string]interface{}{
		"task_id":  task.ID,
		"supplier": task.Supplier,
		"tenant":   task.Tenant,
		"event_id": task.Record.EventID,
		"attempt":  task.Attempt,
	}
	if err := p.writer.WriteMessages(ctx, message); err != nil {
		logger.Log.WithError(err).WithFields(fields).Error("Failed to publish delivery task")
		return err
	}

	fields["topic"] = p.writer.Topic
	logger.Log.WithFields(fields).Debug("Delivery task published")
	return nil
}

func (p *Producer) Close() error {
	return p.writer.Close()
}
