package collab

import (
	"context"
	"encoding/json"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"

	"collabEngine/backend/internal/op"
)

// OpAdmittedEvent 是操作被接纳后发往 Kafka 的审计/下游事件。
type OpAdmittedEvent struct {
	EventType    string        `json:"eventType"` // 固定 "OP_ADMITTED"
	DocID        string        `json:"docId"`
	Op           *op.Operation `json:"op"`
	Frontier     op.Frontier   `json:"frontier"`
	AdmittedAt   time.Time     `json:"admittedAt"`
	ConflictRule string        `json:"conflictRule,omitempty"`
}

// KafkaRelay：本地有界队列 + worker 异步发送 + 有限重试。
// 目标：
// - 不阻塞接纳主链路（Enqueue 只负责入队）
// - Kafka 短暂阻塞时靠队列吸收，后台慢慢补发
// - 队列满时允许降级（丢弃），避免内存无限增长
type KafkaRelay struct {
	producer sarama.SyncProducer
	topic    string

	queue chan OpAdmittedEvent

	// sem 限制并发的 SendMessage 数量。
	sem *SemaphoreControl

	workers     int
	maxRetry    int
	baseBackoff time.Duration
	maxBackoff  time.Duration
	logger      zerolog.Logger
}

type KafkaRelayOptions struct {
	QueueSize   int
	Workers     int
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func NewKafkaRelay(producer sarama.SyncProducer, topic string, sem *SemaphoreControl, logger zerolog.Logger, opt KafkaRelayOptions) *KafkaRelay {
	if opt.QueueSize <= 0 {
		opt.QueueSize = 10_000
	}
	if opt.Workers <= 0 {
		opt.Workers = 4
	}
	if opt.BaseBackoff <= 0 {
		opt.BaseBackoff = 50 * time.Millisecond
	}
	if opt.MaxBackoff <= 0 {
		opt.MaxBackoff = time.Second
	}
	r := &KafkaRelay{
		producer:    producer,
		topic:       topic,
		queue:       make(chan OpAdmittedEvent, opt.QueueSize),
		sem:         sem,
		workers:     opt.Workers,
		maxRetry:    opt.MaxRetry,
		baseBackoff: opt.BaseBackoff,
		maxBackoff:  opt.MaxBackoff,
		logger:      logger,
	}
	r.start()
	return r
}

// Enqueue 把事件放入本地队列；队列满时等到 ctx 超时。
// 事件不要求强一致送达，丢一条只影响下游统计。
func (r *KafkaRelay) Enqueue(ctx context.Context, evt OpAdmittedEvent) error {
	select {
	case r.queue <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *KafkaRelay) start() {
	for i := 0; i < r.workers; i++ {
		go r.workerLoop(i)
	}
}

func (r *KafkaRelay) workerLoop(workerID int) {
	for evt := range r.queue {
		r.sendWithRetry(workerID, evt)
	}
}

func (r *KafkaRelay) sendWithRetry(workerID int, evt OpAdmittedEvent) {
	for attempt := 0; attempt <= r.maxRetry; attempt++ {
		if r.sem != nil {
			// worker 允许一直等待（不会影响主链路）
			_ = r.sem.Acquire(context.Background())
		}

		err := r.sendOnce(evt)

		if r.sem != nil {
			_ = r.sem.Release()
		}

		if err == nil {
			return
		}

		if attempt == r.maxRetry {
			r.logger.Warn().
				Str("doc", evt.DocID).
				Str("op", evt.Op.ID.String()).
				Int("worker", workerID).
				Err(err).
				Msg("kafka send failed, drop event")
			return
		}

		// 退避，每次退避时间X2
		backoff := r.baseBackoff * time.Duration(1<<attempt)
		if backoff > r.maxBackoff {
			backoff = r.maxBackoff
		}
		time.Sleep(backoff)
	}
}

func (r *KafkaRelay) sendOnce(evt OpAdmittedEvent) error {
	if r.producer == nil || r.topic == "" {
		return nil
	}
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: r.topic,
		Key:   sarama.StringEncoder(evt.DocID),
		Value: sarama.ByteEncoder(b),
	}
	_, _, err = r.producer.SendMessage(msg)
	return err
}
