// Package queue wires note processing onto RabbitMQ. Submitted notes are
// acknowledged over HTTP immediately and enqueued here; a consumer runs the
// extraction and deduplication pipeline, retrying failed messages through a
// TTL retry queue and parking poison messages in a dead-letter queue.
package queue

import (
	"fmt"
	"time"

	"github.com/fernwood-labs/lorekeeper/internal/util"
	"github.com/fernwood-labs/lorekeeper/pkg/logger"

	"github.com/rabbitmq/amqp091-go"
)

const (
	// NoteQueue carries one message per submitted note.
	NoteQueue = "note_queue"

	retryDelayMs = 10000
	maxRetries   = 10
)

// NoteMsg is the payload of one note-processing message.
type NoteMsg struct {
	CampaignID string `json:"campaign_id"`
	NoteID     string `json:"note_id"`
}

func Init() *amqp091.Connection {
	user := util.GetEnv("RABBITMQ_USER")
	pass := util.GetEnv("RABBITMQ_PASSWORD")
	host := util.GetEnv("RABBITMQ_HOST")
	port := util.GetEnv("RABBITMQ_PORT")

	connURL := fmt.Sprintf("amqp://%s:%s@%s:%s/", user, pass, host, port)

	conn, err := amqp091.Dial(connURL)
	if err != nil {
		logger.Fatal("Failed to connect to RabbitMQ", "err", err)
	}
	return conn
}

// SetupQueues declares the note queue together with its retry queue (TTL
// dead-letters back into the main queue) and its dead-letter queue.
func SetupQueues(ch *amqp091.Channel) error {
	_, err := ch.QueueDeclare(
		NoteQueue,
		true,  // durable
		false, // autoDelete
		false, // exclusive
		false, // noWait
		nil,   // args
	)
	if err != nil {
		return fmt.Errorf("failed to declare %s: %w", NoteQueue, err)
	}

	_, err = ch.QueueDeclare(
		NoteQueue+"_dlq",
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to declare %s_dlq: %w", NoteQueue, err)
	}

	_, err = ch.QueueDeclare(
		NoteQueue+"_retry",
		true,
		false,
		false,
		false,
		amqp091.Table{
			"x-message-ttl":             int32(retryDelayMs),
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": NoteQueue,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to declare %s_retry: %w", NoteQueue, err)
	}
	return nil
}

// Publish enqueues a persistent message on the named queue.
func Publish(ch *amqp091.Channel, queueName string, data []byte) error {
	publishing := amqp091.Publishing{
		ContentType:  "application/json",
		Body:         data,
		DeliveryMode: amqp091.Persistent,
		Timestamp:    time.Now(),
	}

	return ch.Publish(
		"",
		queueName,
		false,
		false,
		publishing,
	)
}
