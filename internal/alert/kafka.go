package alert

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/IBM/sarama"
)

const defaultKafkaQueue = 1024

// KafkaSink delivers alerts through an async Kafka producer. Send
// never blocks the scoring path: a full queue drops the alert.
type KafkaSink struct {
	logger *slog.Logger
	topic  string
	queue  chan Alert
	prod   sarama.AsyncProducer
	done   chan struct{}
}

func NewKafkaSink(logger *slog.Logger, brokers []string, topic string, queueSize int) (*KafkaSink, error) {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.Producer.Return.Errors = true
	cfg.Producer.Return.Successes = false

	prod, err := sarama.NewAsyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("alert: create async producer: %w", err)
	}
	return newKafkaSink(logger, prod, topic, queueSize), nil
}

func newKafkaSink(logger *slog.Logger, prod sarama.AsyncProducer, topic string, queueSize int) *KafkaSink {
	if queueSize <= 0 {
		queueSize = defaultKafkaQueue
	}
	s := &KafkaSink{
		logger: logger,
		topic:  topic,
		queue:  make(chan Alert, queueSize),
		prod:   prod,
		done:   make(chan struct{}),
	}

	go func() {
		defer close(s.done)
		for a := range s.queue {
			b, err := json.Marshal(a)
			if err != nil {
				s.logger.Warn("alert marshal failed", "alert_id", a.ID, "err", err)
				continue
			}
			s.prod.Input() <- &sarama.ProducerMessage{
				Topic: s.topic,
				// key by source so one attacker's alerts stay ordered
				Key:   sarama.StringEncoder(a.SourceAddress),
				Value: sarama.ByteEncoder(b),
			}
		}
	}()

	go func() {
		for err := range s.prod.Errors() {
			if err != nil {
				s.logger.Warn("alert producer error", "err", err)
			}
		}
	}()

	return s
}

func (s *KafkaSink) Send(a Alert) bool {
	select {
	case s.queue <- a:
		return true
	default:
		return false
	}
}

func (s *KafkaSink) Close() error {
	close(s.queue)
	<-s.done

	if err := s.prod.Close(); err != nil {
		return fmt.Errorf("alert: close producer: %w", err)
	}
	return nil
}
