package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"

	"github.com/weiawesome/streamer-status/pkg/log"
)

const (
	kafkaPollMs       = 500
	kafkaFlushMs      = 5000
	kafkaAdminTimeout = 10 * time.Second
)

// KafkaPubSub implements PubSub on Kafka topics. Every process joins its
// own consumer group, so each event reaches every subscribed process
// rather than being load-balanced between them.
type KafkaPubSub struct {
	producer *kafka.Producer
	config   KafkaConfig

	mu        sync.Mutex
	consumers map[string]*kafkaConsumer
	closed    bool
	drained   chan struct{}
}

type kafkaConsumer struct {
	consumer *kafka.Consumer
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewKafkaPubSub connects a producer and makes sure the configured topics exist.
func NewKafkaPubSub(cfg KafkaConfig) (*KafkaPubSub, error) {
	producer, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers": cfg.Brokers,
		"acks":              "1",
		"linger.ms":         5,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	k := &KafkaPubSub{
		producer:  producer,
		config:    cfg,
		consumers: make(map[string]*kafkaConsumer),
		drained:   make(chan struct{}),
	}
	go k.drainProducerEvents()

	if err := createTopics(cfg); err != nil {
		l := log.L()
		l.Warn().Err(err).Msg("could not create kafka topics, assuming they exist")
	}
	return k, nil
}

func createTopics(cfg KafkaConfig) error {
	if len(cfg.Topics) == 0 {
		return nil
	}
	admin, err := kafka.NewAdminClient(&kafka.ConfigMap{"bootstrap.servers": cfg.Brokers})
	if err != nil {
		return err
	}
	defer admin.Close()

	partitions := max(cfg.Partitions, 1)
	specs := make([]kafka.TopicSpecification, len(cfg.Topics))
	for i, channel := range cfg.Topics {
		specs[i] = kafka.TopicSpecification{
			Topic:             channelToTopic(channel),
			NumPartitions:     partitions,
			ReplicationFactor: 1,
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), kafkaAdminTimeout)
	defer cancel()
	results, err := admin.CreateTopics(ctx, specs)
	if err != nil {
		return err
	}

	var errs []error
	for _, r := range results {
		switch r.Error.Code() {
		case kafka.ErrNoError, kafka.ErrTopicAlreadyExists:
		default:
			errs = append(errs, fmt.Errorf("topic %s: %w", r.Topic, r.Error))
		}
	}
	return errors.Join(errs...)
}

// drainProducerEvents logs producer-level errors. Deliveries are reported
// on per-message channels.
func (k *KafkaPubSub) drainProducerEvents() {
	defer close(k.drained)
	for ev := range k.producer.Events() {
		if kerr, ok := ev.(kafka.Error); ok {
			l := log.L()
			l.Error().Err(kerr).Bool("fatal", kerr.IsFatal()).Msg("kafka producer error")
		}
	}
}

// Publish produces the event and waits for the broker acknowledgement.
func (k *KafkaPubSub) Publish(ctx context.Context, channel string, event *Event) error {
	k.mu.Lock()
	closed := k.closed
	k.mu.Unlock()
	if closed {
		return ErrClosed
	}

	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	topic := channelToTopic(channel)
	report := make(chan kafka.Event, 1)
	msg := &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            []byte(event.Type),
		Value:          value,
	}
	if err := k.producer.Produce(msg, report); err != nil {
		return fmt.Errorf("failed to produce to %s: %w", topic, err)
	}

	select {
	case ev := <-report:
		if m, ok := ev.(*kafka.Message); ok && m.TopicPartition.Error != nil {
			return fmt.Errorf("delivery to %s failed: %w", topic, m.TopicPartition.Error)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe consumes the channel's topic from the newest offset; earlier
// events are not replayed, including after a restart.
func (k *KafkaPubSub) Subscribe(ctx context.Context, channel string) (<-chan *Event, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.closed {
		return nil, ErrClosed
	}
	if prev, ok := k.consumers[channel]; ok {
		prev.stop()
		delete(k.consumers, channel)
	}

	consumer, err := kafka.NewConsumer(consumerConfig(k.config))
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer: %w", err)
	}

	topic := channelToTopic(channel)
	if err := consumer.Subscribe(topic, nil); err != nil {
		consumer.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	pollCtx, cancel := context.WithCancel(ctx)
	kc := &kafkaConsumer{consumer: consumer, cancel: cancel, done: make(chan struct{})}
	k.consumers[channel] = kc

	out := make(chan *Event, eventBuffer)
	go kc.poll(pollCtx, channel, out)
	return out, nil
}

func (kc *kafkaConsumer) poll(ctx context.Context, channel string, out chan<- *Event) {
	defer close(kc.done)
	defer close(out)

	logger := log.L().With().Str(log.FieldChannel, channel).Logger()

	for ctx.Err() == nil {
		switch e := kc.consumer.Poll(kafkaPollMs).(type) {
		case nil:
		case *kafka.Message:
			event := new(Event)
			if err := json.Unmarshal(e.Value, event); err != nil {
				logger.Warn().Err(err).Int64("offset", int64(e.TopicPartition.Offset)).Msg("dropping malformed event")
				continue
			}
			select {
			case out <- event:
			case <-ctx.Done():
				return
			default:
				logger.Warn().Str(log.FieldMsgType, event.Type).Msg("event buffer full, dropping event")
			}
		case kafka.Error:
			logger.Error().Err(e).Bool("fatal", e.IsFatal()).Msg("kafka consumer error")
			if e.IsFatal() {
				return
			}
		}
	}
}

// stop ends the poll loop and closes the consumer, leaving its group.
func (kc *kafkaConsumer) stop() error {
	kc.cancel()
	<-kc.done
	return kc.consumer.Close()
}

// Unsubscribe stops the consumer for a channel.
func (k *KafkaPubSub) Unsubscribe(ctx context.Context, channel string) error {
	k.mu.Lock()
	kc, ok := k.consumers[channel]
	delete(k.consumers, channel)
	k.mu.Unlock()

	if !ok {
		return nil
	}
	if err := kc.stop(); err != nil {
		return fmt.Errorf("failed to close consumer: %w", err)
	}
	return nil
}

// Close stops every consumer, flushes pending messages and closes the producer.
func (k *KafkaPubSub) Close() error {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return nil
	}
	k.closed = true
	consumers := k.consumers
	k.consumers = make(map[string]*kafkaConsumer)
	k.mu.Unlock()

	var errs []error
	for _, kc := range consumers {
		if err := kc.stop(); err != nil {
			errs = append(errs, err)
		}
	}

	if left := k.producer.Flush(kafkaFlushMs); left > 0 {
		errs = append(errs, fmt.Errorf("%d kafka messages not delivered before close", left))
	}
	k.producer.Close()
	<-k.drained
	return errors.Join(errs...)
}

// consumerConfig never commits offsets, so a restarted process starts at
// the end of the topic instead of replaying what it missed.
func consumerConfig(cfg KafkaConfig) *kafka.ConfigMap {
	return &kafka.ConfigMap{
		"bootstrap.servers":        cfg.Brokers,
		"group.id":                 consumerGroupID(cfg.GroupID, cfg.InstanceID),
		"auto.offset.reset":        "latest",
		"enable.auto.commit":       false,
		"enable.auto.offset.store": false,
	}
}

var invalidGroupChars = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

// consumerGroupID derives a per-process group name.
func consumerGroupID(base, instance string) string {
	if base == "" {
		base = "streamer-status"
	}
	id := base
	if instance != "" {
		id = base + "-" + instance
	}
	return invalidGroupChars.ReplaceAllString(id, "-")
}
