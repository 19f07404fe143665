package events

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/IBM/sarama"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/fuelwise/fuel-ingest/internal/model"
)

// KafkaPublisher publishes upload events as JSON to a Kafka topic, keyed by
// template id so that events of one template stay ordered in a partition.
type KafkaPublisher struct {
	producer sarama.SyncProducer
	topic    string
}

// NewKafkaConfig returns the producer settings used for event publishing.
func NewKafkaConfig(clientID string) *sarama.Config {
	cfg := sarama.NewConfig()
	if clientID != "" {
		cfg.ClientID = clientID
	}
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5
	return cfg
}

// NewKafkaPublisher dials brokers and returns a publisher for topic.
func NewKafkaPublisher(brokers []string, topic, clientID string) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, eris.New("events: kafka brokers not configured")
	}
	if topic == "" {
		return nil, eris.New("events: kafka topic not configured")
	}
	producer, err := sarama.NewSyncProducer(brokers, NewKafkaConfig(clientID))
	if err != nil {
		return nil, eris.Wrap(err, "events: create kafka producer")
	}
	return NewKafkaPublisherWithProducer(producer, topic), nil
}

// NewKafkaPublisherWithProducer wraps an existing producer.
func NewKafkaPublisherWithProducer(producer sarama.SyncProducer, topic string) *KafkaPublisher {
	return &KafkaPublisher{producer: producer, topic: topic}
}

// Name implements Subscriber.
func (p *KafkaPublisher) Name() string { return "kafka" }

// Notify implements Subscriber. The sarama producer is not context aware;
// a done ctx only short-circuits before sending.
func (p *KafkaPublisher) Notify(ctx context.Context, ev model.UploadEvent) error {
	if err := ctx.Err(); err != nil {
		return eris.Wrap(err, "events: kafka publish")
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return eris.Wrap(err, "events: marshal upload event")
	}

	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(strconv.FormatInt(ev.TemplateID, 10)),
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{Key: []byte("status"), Value: []byte(ev.Status)},
			{Key: []byte("source"), Value: []byte(ev.Source)},
		},
	}
	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		return eris.Wrapf(err, "events: publish to topic %s", p.topic)
	}

	zap.L().Debug("upload event published",
		zap.String("component", "events.kafka"),
		zap.String("topic", p.topic),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset),
	)
	return nil
}

// Close shuts the producer down.
func (p *KafkaPublisher) Close() error {
	return eris.Wrap(p.producer.Close(), "events: close kafka producer")
}
