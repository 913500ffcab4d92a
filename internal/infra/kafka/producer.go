// Package kafka connects the estimator to Kafka: job lifecycle events are
// published to a topic and payment confirmations are consumed from one.
package kafka

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/car-repair/estimator/internal/domain"
)

var _ domain.JobEventSink = (*EventProducer)(nil)

// EventProducer publishes job events keyed by task id. HandleJobEvent only
// enqueues into a buffer; a background goroutine does the synchronous send.
type EventProducer struct {
	producer sarama.SyncProducer
	topic    string
	logger   *zap.Logger

	events chan domain.JobEvent
	wg     sync.WaitGroup
	once   sync.Once
}

// NewEventProducer dials brokers and starts the publish loop.
func NewEventProducer(brokers []string, topic string, logger *zap.Logger) (*EventProducer, error) {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true

	p, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	return NewEventProducerFrom(p, topic, logger), nil
}

// NewEventProducerFrom wraps an existing producer.
func NewEventProducerFrom(p sarama.SyncProducer, topic string, logger *zap.Logger) *EventProducer {
	ep := &EventProducer{
		producer: p,
		topic:    topic,
		logger:   logger.Named("kafka"),
		events:   make(chan domain.JobEvent, 256),
	}
	ep.wg.Add(1)
	go ep.loop()
	return ep
}

// HandleJobEvent implements domain.JobEventSink. Events are dropped when the
// buffer is full.
func (p *EventProducer) HandleJobEvent(ev domain.JobEvent) {
	select {
	case p.events <- ev:
	default:
		p.logger.Warn("job event dropped, buffer full",
			zap.String("job_id", ev.JobID), zap.String("type", string(ev.Type)))
	}
}

func (p *EventProducer) loop() {
	defer p.wg.Done()
	for ev := range p.events {
		if err := p.send(ev); err != nil {
			p.logger.Warn("publish job event failed",
				zap.String("job_id", ev.JobID), zap.Error(err))
		}
	}
}

func (p *EventProducer) send(ev domain.JobEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(ev.TaskID),
		Value: sarama.ByteEncoder(data),
	}
	_, _, err = p.producer.SendMessage(msg)
	return err
}

// Close flushes buffered events and closes the producer.
func (p *EventProducer) Close() error {
	var err error
	p.once.Do(func() {
		close(p.events)
		p.wg.Wait()
		err = p.producer.Close()
	})
	return err
}
