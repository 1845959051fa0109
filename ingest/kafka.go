package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"warden/core"
	"warden/util/goroutine"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Submitter accepts raw payloads for normalization and processing
type Submitter interface {
	Submit(ctx context.Context, p RawPayload) (string, error)
}

// KafkaConfig configures the Kafka ingestion source
type KafkaConfig struct {
	Brokers []string
	GroupID string
	// Topics maps each topic to the sensor kind its records come from
	Topics   map[string]core.SensorKind
	MinBytes int
	MaxBytes int
	MaxWait  time.Duration
}

// Validate checks the configuration before readers are created
func (c KafkaConfig) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("kafka: at least one broker is required")
	}
	if c.GroupID == "" {
		return errors.New("kafka: consumer group is required")
	}
	if len(c.Topics) == 0 {
		return errors.New("kafka: at least one topic is required")
	}
	for topic, sensor := range c.Topics {
		if sensor == "" {
			return fmt.Errorf("kafka: topic %s has no sensor kind", topic)
		}
	}
	return nil
}

type topicReader struct {
	reader *kafka.Reader
	topic  string
	sensor core.SensorKind
}

// KafkaSource consumes sensor topics and submits each record to the pipeline.
// The message key is used as the stream id so per-stream order follows partition order.
type KafkaSource struct {
	readers []topicReader
	submit  Submitter
	logger  *zap.SugaredLogger
	wg      sync.WaitGroup
	cancel  context.CancelFunc
}

// NewKafkaSource creates one consumer-group reader per configured topic
func NewKafkaSource(cfg KafkaConfig, submit Submitter, logger *zap.SugaredLogger) (*KafkaSource, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if submit == nil {
		return nil, errors.New("kafka: submitter is required")
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	s := &KafkaSource{submit: submit, logger: logger}
	for topic, sensor := range cfg.Topics {
		reader := kafka.NewReader(kafka.ReaderConfig{
			Brokers:        cfg.Brokers,
			GroupID:        cfg.GroupID,
			Topic:          topic,
			MinBytes:       cfg.MinBytes,
			MaxBytes:       cfg.MaxBytes,
			MaxWait:        cfg.MaxWait,
			ReadBackoffMin: 100 * time.Millisecond,
			ReadBackoffMax: time.Second,
			ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
				logger.Errorw(fmt.Sprintf(msg, args...), "component", "kafka-reader")
			}),
		})
		s.readers = append(s.readers, topicReader{reader: reader, topic: topic, sensor: sensor})
	}

	logger.Infow("Kafka source initialized",
		"brokers", cfg.Brokers,
		"group", cfg.GroupID,
		"topics", len(cfg.Topics))
	return s, nil
}

// Start launches a consume loop per topic
func (s *KafkaSource) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	for _, tr := range s.readers {
		s.wg.Add(1)
		go func(tr topicReader) {
			defer s.wg.Done()
			defer goroutine.Recover("kafka-"+tr.topic, s.logger)
			s.consume(ctx, tr)
		}(tr)
	}
}

func (s *KafkaSource) consume(ctx context.Context, tr topicReader) {
	for {
		msg, err := tr.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Errorw("Failed to fetch message", "topic", tr.topic, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
				continue
			}
		}

		if err := s.handleMessage(ctx, tr.sensor, msg); err != nil {
			// not committed; redelivered after rebalance or restart
			s.logger.Warnw("Kafka message not processed",
				"topic", msg.Topic,
				"partition", msg.Partition,
				"offset", msg.Offset,
				"error", err)
			continue
		}
		if err := tr.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			s.logger.Errorw("Failed to commit offset", "topic", msg.Topic, "offset", msg.Offset, "error", err)
		}
	}
}

// handleMessage submits one record. Payloads that can never normalize are
// logged and acknowledged so they do not block the partition.
func (s *KafkaSource) handleMessage(ctx context.Context, sensor core.SensorKind, msg kafka.Message) error {
	p := RawPayload{
		Sensor:   sensor,
		Stream:   string(msg.Key),
		Encoding: EncodingJSON,
		Body:     msg.Value,
		RawRef:   fmt.Sprintf("kafka://%s/%d/%d", msg.Topic, msg.Partition, msg.Offset),
	}
	if p.Stream == "" {
		p.Stream = fmt.Sprintf("%s/%d", msg.Topic, msg.Partition)
	}
	for _, h := range msg.Headers {
		if strings.EqualFold(h.Key, "content-type") && strings.Contains(string(h.Value), "msgpack") {
			p.Encoding = EncodingMsgpack
		}
	}

	_, err := s.submit.Submit(ctx, p)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, core.ErrMalformedPayload), errors.Is(err, core.ErrUnsupportedSource):
		s.logger.Warnw("Dropping unnormalizable Kafka record",
			"topic", msg.Topic,
			"offset", msg.Offset,
			"error", err)
		return nil
	default:
		return err
	}
}

// Close stops the consume loops and closes the readers
func (s *KafkaSource) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	var errs []error
	for _, tr := range s.readers {
		if err := tr.reader.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close reader %s: %w", tr.topic, err))
		}
	}
	return errors.Join(errs...)
}
