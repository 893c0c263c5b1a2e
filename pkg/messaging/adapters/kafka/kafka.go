// Package kafka adapts github.com/IBM/sarama to the messaging.Broker
// contract: a sync producer per topic and a consumer-group consumer per
// (topic, group) pair.
package kafka

import (
	"context"
	"crypto/tls"

	"github.com/IBM/sarama"
	"github.com/chris-alexander-pop/outbox-relay/pkg/messaging"
)

// Config configures the Kafka broker connection.
type Config struct {
	Brokers []string `env:"KAFKA_BROKERS" env-separator:","`

	ClientID string `env:"KAFKA_CLIENT_ID" env-default:"outbox-relay"`
	Version  string `env:"KAFKA_VERSION" env-default:"2.8.0"`

	TLSEnabled bool `env:"KAFKA_TLS_ENABLED" env-default:"false"`

	ProducerRequiredAcks   int16 `env:"KAFKA_PRODUCER_ACKS" env-default:"-1"`
	ProducerReturnSuccess  bool  `env:"KAFKA_PRODUCER_RETURN_SUCCESS" env-default:"true"`

	ConsumerOffsetsInitial int64 `env:"KAFKA_CONSUMER_OFFSETS_INITIAL" env-default:"-2"`
}

// Broker wraps a sarama client and exposes messaging.Producer/Consumer.
type Broker struct {
	cfg          Config
	client       sarama.Client
	saramaConfig *sarama.Config
}

// New connects to Kafka and returns a messaging.Broker backed by it.
func New(cfg Config) (messaging.Broker, error) {
	saramaCfg := sarama.NewConfig()
	saramaCfg.ClientID = cfg.ClientID
	saramaCfg.Producer.RequiredAcks = sarama.RequiredAcks(cfg.ProducerRequiredAcks)
	saramaCfg.Producer.Return.Successes = cfg.ProducerReturnSuccess
	saramaCfg.Consumer.Offsets.Initial = cfg.ConsumerOffsetsInitial

	if cfg.TLSEnabled {
		saramaCfg.Net.TLS.Enable = true
		saramaCfg.Net.TLS.Config = &tls.Config{}
	}

	if v, err := sarama.ParseKafkaVersion(cfg.Version); err == nil {
		saramaCfg.Version = v
	}

	client, err := sarama.NewClient(cfg.Brokers, saramaCfg)
	if err != nil {
		return nil, messaging.ErrConnectionFailed(err)
	}

	return &Broker{cfg: cfg, client: client, saramaConfig: saramaCfg}, nil
}

func (b *Broker) Producer(topic string) (messaging.Producer, error) {
	syncProducer, err := sarama.NewSyncProducerFromClient(b.client)
	if err != nil {
		return nil, messaging.ErrConnectionFailed(err)
	}
	return &producer{broker: b, topic: topic, producer: syncProducer}, nil
}

func (b *Broker) Consumer(topic string, group string) (messaging.Consumer, error) {
	if group == "" {
		return nil, messaging.ErrInvalidConfig("kafka consumer requires a non-empty group", nil)
	}
	group2, err := sarama.NewConsumerGroupFromClient(group, b.client)
	if err != nil {
		return nil, messaging.ErrConnectionFailed(err)
	}
	return &consumer{broker: b, topic: topic, group: group2, groupID: group}, nil
}

func (b *Broker) Close() error {
	return b.client.Close()
}

func (b *Broker) Healthy(ctx context.Context) bool {
	brokers := b.client.Brokers()
	for _, broker := range brokers {
		connected, _ := broker.Connected()
		if connected {
			return true
		}
	}
	return false
}
