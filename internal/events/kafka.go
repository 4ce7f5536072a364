package events

import (
	"context"
	"fmt"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"
)

type producer interface {
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
}

// KafkaPublisher writes events keyed by execution id so one execution's
// transitions stay ordered within a partition.
type KafkaPublisher struct {
	Topic  string
	Codec  Codec
	Logger *zap.Logger

	producer producer
	closeFn  func()
}

func NewKafkaPublisher(brokers, topic string, codec Codec, logger *zap.Logger) (*KafkaPublisher, error) {
	config := kafka.ConfigMap{
		"bootstrap.servers": brokers,
	}
	p, err := kafka.NewProducer(&config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}
	go func() {
		for e := range p.Events() {
			if m, ok := e.(*kafka.Message); ok && m.TopicPartition.Error != nil && logger != nil {
				logger.Warn("events: kafka delivery failed", zap.Error(m.TopicPartition.Error))
			}
		}
	}()
	return &KafkaPublisher{
		Topic:    topic,
		Codec:    codec,
		Logger:   logger,
		producer: p,
		closeFn: func() {
			p.Flush(5000)
			p.Close()
		},
	}, nil
}

func (k *KafkaPublisher) Publish(ctx context.Context, e Event) error {
	if k == nil || k.producer == nil {
		return nil
	}
	codec := k.Codec
	if codec == nil {
		codec = JSONCodec{}
	}
	b, err := codec.Marshal(e)
	if err != nil {
		return err
	}
	topic := k.Topic
	key := e.ExecutionID
	if key == "" {
		key = e.StrategyID
	}
	return k.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            []byte(key),
		Value:          b,
		Headers:        []kafka.Header{{Key: "codec", Value: []byte(codec.Name())}},
	}, nil)
}

func (k *KafkaPublisher) Close() {
	if k != nil && k.closeFn != nil {
		k.closeFn()
	}
}
