package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fuelwise/fuel-ingest/internal/model"
)

func TestKafkaPublisher_Notify(t *testing.T) {
	producer := mocks.NewSyncProducer(t, NewKafkaConfig("fuel-ingest-test"))
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		key, err := msg.Key.Encode()
		if err != nil {
			return err
		}
		if string(key) != "12" {
			return errors.New("unexpected key " + string(key))
		}
		if msg.Topic != "fuel.uploads" {
			return errors.New("unexpected topic " + msg.Topic)
		}
		return nil
	})
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var ev model.UploadEvent
		if err := json.Unmarshal(val, &ev); err != nil {
			return err
		}
		if ev.Status != model.StatusPartial || ev.Created != 9 {
			return errors.New("unexpected payload")
		}
		return nil
	})

	pub := NewKafkaPublisherWithProducer(producer, "fuel.uploads")
	assert.Equal(t, "kafka", pub.Name())
	require.NoError(t, pub.Notify(context.Background(), sampleEvent()))
	require.NoError(t, pub.Notify(context.Background(), sampleEvent()))
	require.NoError(t, pub.Close())
}

func TestKafkaPublisher_SendFailure(t *testing.T) {
	producer := mocks.NewSyncProducer(t, NewKafkaConfig(""))
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	pub := NewKafkaPublisherWithProducer(producer, "fuel.uploads")
	err := pub.Notify(context.Background(), sampleEvent())
	require.Error(t, err)
	assert.ErrorIs(t, err, sarama.ErrOutOfBrokers)
	require.NoError(t, pub.Close())
}

func TestKafkaPublisher_DoneContextSkipsSend(t *testing.T) {
	producer := mocks.NewSyncProducer(t, NewKafkaConfig(""))
	pub := NewKafkaPublisherWithProducer(producer, "fuel.uploads")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, pub.Notify(ctx, sampleEvent()), context.Canceled)
	require.NoError(t, pub.Close())
}

func TestNewKafkaPublisher_Validation(t *testing.T) {
	_, err := NewKafkaPublisher(nil, "topic", "")
	assert.Error(t, err)
	_, err = NewKafkaPublisher([]string{"localhost:9092"}, "", "")
	assert.Error(t, err)
}

func TestNewKafkaConfig(t *testing.T) {
	cfg := NewKafkaConfig("fuel-ingest")
	assert.Equal(t, "fuel-ingest", cfg.ClientID)
	assert.True(t, cfg.Producer.Return.Successes)
	assert.Equal(t, sarama.WaitForAll, cfg.Producer.RequiredAcks)
}
