package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fernwood-labs/lorekeeper/pkg/leaselock"
	"github.com/fernwood-labs/lorekeeper/pkg/logger"
	"github.com/fernwood-labs/lorekeeper/pkg/notes"
	"github.com/fernwood-labs/lorekeeper/pkg/store"

	"github.com/rabbitmq/amqp091-go"
)

// Consumer drains the note queue and runs each note through the processing
// pipeline. A lease lock per note keeps a redelivered message from running
// concurrently with the delivery that is still in flight.
type Consumer struct {
	service *notes.Service
	locker  *leaselock.Locker
}

func NewConsumer(service *notes.Service, locker *leaselock.Locker) *Consumer {
	return &Consumer{service: service, locker: locker}
}

// Run consumes the note queue until ctx is canceled. Failed messages go to
// the retry queue and, after maxRetries redeliveries, to the DLQ.
func (c *Consumer) Run(ctx context.Context, conn *amqp091.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open consumer channel: %w", err)
	}
	defer ch.Close()

	if err := ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	msgs, err := ch.Consume(
		NoteQueue,
		NoteQueue+"_consumer",
		false, // autoAck
		false, // exclusive
		false, // noLocal
		false, // noWait
		nil,   // args
	)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	logger.Info("[Queue] Listening for note messages")

	for {
		select {
		case <-ctx.Done():
			logger.Info("[Queue] Stopping consumer")
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return errors.New("consumer channel closed")
			}
			c.handle(ctx, ch, msg)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, ch *amqp091.Channel, msg amqp091.Delivery) {
	start := time.Now()

	if err := c.processMessage(ctx, msg.Body); err != nil {
		logger.Error("[Queue] Failed to process note message", "err", err)
		c.retryOrPark(ch, msg)
	} else {
		if err := msg.Ack(false); err != nil {
			logger.Error("[Queue] Failed to ack message", "err", err)
		}
	}

	logger.Debug("[Queue] Message handled", "duration_ms", time.Since(start).Milliseconds())
}

func (c *Consumer) processMessage(ctx context.Context, body []byte) error {
	var data NoteMsg
	if err := json.Unmarshal(body, &data); err != nil {
		return fmt.Errorf("failed to decode note message: %w", err)
	}
	if data.NoteID == "" || data.CampaignID == "" {
		return errors.New("note message missing ids")
	}

	return c.locker.WithLease(ctx, "note:"+data.NoteID, leaselock.Options{
		TTL:  5 * time.Minute,
		Wait: false,
	}, func(ctx context.Context) error {
		note, err := c.service.GetNote(ctx, data.CampaignID, data.NoteID)
		if errors.Is(err, store.ErrNotFound) {
			// The note was deleted before processing; nothing to do.
			logger.Warn("[Queue] Note vanished before processing", "note_id", data.NoteID)
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to load note %s: %w", data.NoteID, err)
		}

		_, err = c.service.ProcessNote(ctx, note)
		return err
	})
}

// retryOrPark republishes a failed message to the retry queue, or to the
// DLQ once it has exhausted its redeliveries.
func (c *Consumer) retryOrPark(ch *amqp091.Channel, msg amqp091.Delivery) {
	retries := 0
	if val, ok := msg.Headers["x-retries"]; ok {
		if v, ok := val.(int32); ok {
			retries = int(v)
		}
	}

	if retries >= maxRetries {
		dlqName := NoteQueue + "_dlq"
		logger.Info("[Queue] Sending message to DLQ", "dlq", dlqName)
		pubErr := ch.Publish(
			"",
			dlqName,
			false,
			false,
			amqp091.Publishing{
				ContentType: "application/json",
				Body:        msg.Body,
				Headers:     msg.Headers,
			},
		)
		if pubErr != nil {
			logger.Error("[Queue] Failed to publish to DLQ", "dlq", dlqName, "err", pubErr)
			_ = msg.Nack(false, true)
			return
		}
		_ = msg.Ack(false)
		return
	}

	headers := msg.Headers
	if headers == nil {
		headers = amqp091.Table{}
	}
	headers["x-retries"] = int32(retries + 1)

	retryName := NoteQueue + "_retry"
	pubErr := ch.Publish(
		"",
		retryName,
		false,
		false,
		amqp091.Publishing{
			ContentType: "application/json",
			Body:        msg.Body,
			Headers:     headers,
		},
	)
	if pubErr != nil {
		logger.Error("[Queue] Failed to publish to retry queue", "retry_queue", retryName, "err", pubErr)
		_ = msg.Nack(false, true)
		return
	}
	_ = msg.Ack(false)
}
