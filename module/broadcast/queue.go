package broadcast

import (
	"context"
	"encoding/json"

	"IMProject/global"
	"IMProject/logger"
	"IMProject/tools/safe"

	"github.com/Shopify/sarama"
	"github.com/pkg/errors"
)

// jobRecord is the queue payload: just the id, the job body lives in the
// store.
type jobRecord struct {
	BroadcastID string `json:"broadcastId"`
}

// Queue enqueues broadcast jobs onto the dispatch topic.
type Queue struct {
	producer sarama.SyncProducer
	topic    string
}

func NewQueue(brokers []string) (*Queue, error) {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_1_0_0
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Return.Successes = true
	p, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "broadcast producer")
	}
	return &Queue{producer: p, topic: global.BroadcastTopic}, nil
}

func (q *Queue) Enqueue(broadcastID string) error {
	value, _ := json.Marshal(jobRecord{BroadcastID: broadcastID})
	_, _, err := q.producer.SendMessage(&sarama.ProducerMessage{
		Topic: q.topic,
		Key:   sarama.StringEncoder(broadcastID),
		Value: sarama.ByteEncoder(value),
	})
	return errors.Wrap(err, "enqueue broadcast")
}

func (q *Queue) Close() error { return q.producer.Close() }

// Consumer runs the dispatcher against the job topic. Jobs are processed
// concurrently up to the configured limit; the queued-only claim in the
// worker makes redelivered records no-ops.
type Consumer struct {
	group  sarama.ConsumerGroup
	worker *Worker
	sem    chan struct{}
	cancel context.CancelFunc
}

func StartConsumer(brokers []string, w *Worker, concurrency int) (*Consumer, error) {
	if concurrency <= 0 {
		concurrency = global.WorkerConcurrency
	}
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_1_0_0
	cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	cfg.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(brokers, global.BroadcastGroup, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "broadcast consumer")
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Consumer{
		group:  group,
		worker: w,
		sem:    make(chan struct{}, concurrency),
		cancel: cancel,
	}

	safe.Go("broadcast-consumer-errors", func() {
		for err := range group.Errors() {
			logger.Errorf("broadcast consumer: %v", err)
		}
	})
	safe.Go("broadcast-consumer", func() {
		for ctx.Err() == nil {
			if err := group.Consume(ctx, []string{global.BroadcastTopic}, c); err != nil {
				logger.Errorf("broadcast consume: %v", err)
			}
		}
	})
	return c, nil
}

func (c *Consumer) Close() error {
	c.cancel()
	return c.group.Close()
}

func (c *Consumer) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (c *Consumer) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (c *Consumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		var rec jobRecord
		if err := json.Unmarshal(msg.Value, &rec); err != nil || rec.BroadcastID == "" {
			logger.Warnf("broadcast queue: bad record at %s/%d/%d", msg.Topic, msg.Partition, msg.Offset)
			session.MarkMessage(msg, "")
			continue
		}
		c.sem <- struct{}{}
		id := rec.BroadcastID
		safe.Go("broadcast-job-"+id, func() {
			defer func() { <-c.sem }()
			// Detached from the session: a rebalance must not abort a
			// job mid-dispatch.
			if err := c.worker.ProcessJob(context.Background(), id); err != nil {
				logger.Errorf("broadcast job %s: %v", id, err)
			}
		})
		session.MarkMessage(msg, "")
	}
	return nil
}
