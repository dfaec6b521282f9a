// internal/sink/kafka.go
package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/brioworks/recon-pipeline/internal/config"
	"github.com/brioworks/recon-pipeline/internal/model"
	"go.uber.org/zap"
)

// Publisher streams reconciled periods to Kafka so downstream consumers
// (dashboards, alerting) see license changes without polling the warehouse.
// Rows flow through a buffered channel into a worker pool feeding a Sarama
// AsyncProducer; produce failures go to a retry pool with exponential
// backoff, and persistently failing messages land on a dead-letter topic.
type Publisher struct {
	cfg            config.KafkaConfig
	logger         *zap.Logger
	rowChan        chan model.ReconciledPeriod
	retryChan      chan *sarama.ProducerMessage
	producer       sarama.AsyncProducer
	workerWg       sync.WaitGroup
	retryWorkerWg  sync.WaitGroup
	shutdownCtx    context.Context
	shutdownCancel context.CancelFunc

	// stopMu fences Publish against Stop: publishers hold the read side
	// while sending, Stop takes the write side before closing rowChan.
	stopMu   sync.RWMutex
	stopping bool

	mu               sync.Mutex
	rowsAccepted     uint64
	rowsDropped      uint64
	kafkaErrors      uint64
	kafkaSuccesses   uint64
	retriesAttempted uint64
	dlqMessagesSent  uint64
}

// NewPublisher creates a Publisher and its underlying Kafka producer.
func NewPublisher(cfg config.KafkaConfig, logger *zap.Logger) (*Publisher, error) {
	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())

	p := &Publisher{
		cfg:            cfg,
		logger:         logger,
		rowChan:        make(chan model.ReconciledPeriod, cfg.Publish.ChannelCapacity),
		retryChan:      make(chan *sarama.ProducerMessage, cfg.Publish.Retry.ChannelCapacity),
		shutdownCtx:    shutdownCtx,
		shutdownCancel: shutdownCancel,
	}

	producer, err := p.setupProducer()
	if err != nil {
		shutdownCancel()
		return nil, fmt.Errorf("failed to set up Kafka producer: %w", err)
	}
	p.producer = producer

	return p, nil
}

// setupProducer configures and creates a Sarama AsyncProducer.
func (p *Publisher) setupProducer() (sarama.AsyncProducer, error) {
	saramaConfig := sarama.NewConfig()

	acks, err := parseRequiredAcks(p.cfg.Producer.RequiredAcks)
	if err != nil {
		return nil, err
	}
	saramaConfig.Producer.RequiredAcks = acks

	switch p.cfg.Producer.CompressionCodec {
	case "none":
		saramaConfig.Producer.Compression = sarama.CompressionNone
	case "gzip":
		saramaConfig.Producer.Compression = sarama.CompressionGZIP
	case "snappy":
		saramaConfig.Producer.Compression = sarama.CompressionSnappy
	case "lz4":
		saramaConfig.Producer.Compression = sarama.CompressionLZ4
	case "zstd":
		saramaConfig.Producer.Compression = sarama.CompressionZSTD
	default:
		p.logger.Warn("Unknown compression codec, defaulting to Snappy", zap.String("codec", p.cfg.Producer.CompressionCodec))
		saramaConfig.Producer.Compression = sarama.CompressionSnappy
	}

	saramaConfig.Producer.Flush.Frequency = p.cfg.Producer.FlushFrequency
	saramaConfig.Producer.Flush.Messages = p.cfg.Producer.FlushMessages
	saramaConfig.Producer.Flush.Bytes = p.cfg.Producer.FlushBytes
	saramaConfig.Producer.Retry.Max = p.cfg.Producer.RetryMax
	saramaConfig.Producer.Retry.Backoff = p.cfg.Producer.RetryBackoff
	saramaConfig.Producer.Return.Successes = p.cfg.Producer.ReturnSuccesses
	saramaConfig.Producer.Return.Errors = p.cfg.Producer.ReturnErrors

	producer, err := sarama.NewAsyncProducer(p.cfg.Brokers, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("error creating Sarama AsyncProducer: %w", err)
	}

	go p.handleProducerNotifications(producer)

	return producer, nil
}

// Start launches the worker pools.
func (p *Publisher) Start() {
	p.logger.Info("Starting reconciled period publisher...",
		zap.Int("num_workers", p.cfg.Publish.NumWorkers),
		zap.Int("row_channel_capacity", cap(p.rowChan)),
		zap.Int("retry_channel_capacity", cap(p.retryChan)),
		zap.Int("num_retry_workers", p.cfg.Publish.Retry.NumWorkers),
	)

	for i := 0; i < p.cfg.Publish.NumWorkers; i++ {
		p.workerWg.Add(1)
		go p.worker(i)
	}
	for i := 0; i < p.cfg.Publish.Retry.NumWorkers; i++ {
		p.retryWorkerWg.Add(1)
		go p.retryWorker(i)
	}
	p.logger.Info("Publisher started.")
}

// Stop drains the queues and shuts the producer down. A Publish racing Stop
// fails cleanly with a shutdown error instead of panicking.
func (p *Publisher) Stop() {
	p.logger.Info("Stopping publisher...")

	p.closeIntake()
	p.workerWg.Wait()
	p.logger.Info("Publish workers stopped.")

	p.shutdownCancel()

	close(p.retryChan)
	p.retryWorkerWg.Wait()
	p.logger.Info("Retry workers stopped.")

	if err := p.producer.Close(); err != nil {
		p.logger.Error("Error closing Kafka producer", zap.Error(err))
	} else {
		p.logger.Info("Kafka producer closed.")
	}
	p.logger.Info("Publisher stopped.")
}

// closeIntake marks the publisher as stopping and closes the row channel.
// The write lock waits out any Publish currently holding the read side, so
// no send can hit the closed channel.
func (p *Publisher) closeIntake() {
	p.stopMu.Lock()
	defer p.stopMu.Unlock()
	if p.stopping {
		return
	}
	p.stopping = true
	close(p.rowChan)
}

// Publish queues one reconciled period. It blocks when the channel is full:
// a batch pipeline must apply backpressure rather than drop financial rows.
func (p *Publisher) Publish(ctx context.Context, row model.ReconciledPeriod) error {
	p.stopMu.RLock()
	defer p.stopMu.RUnlock()
	if p.stopping {
		return fmt.Errorf("publisher shutting down")
	}

	select {
	case p.rowChan <- row:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.shutdownCtx.Done():
		return fmt.Errorf("publisher shutting down")
	}
}

// PublishAll queues a full run's output.
func (p *Publisher) PublishAll(ctx context.Context, rows []model.ReconciledPeriod) error {
	for _, row := range rows {
		if err := p.Publish(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

// worker drains rowChan into the Kafka producer.
func (p *Publisher) worker(id int) {
	defer p.workerWg.Done()
	p.logger.Debug("Publish worker started", zap.Int("worker_id", id))

	for row := range p.rowChan {
		p.produceRow(row)
	}
	p.logger.Debug("Row channel closed, publish worker exiting", zap.Int("worker_id", id))
}

// produceRow converts a reconciled period to a Kafka message and sends it.
func (p *Publisher) produceRow(row model.ReconciledPeriod) {
	value, err := json.Marshal(row)
	if err != nil {
		p.logger.Error("Failed to marshal reconciled period to JSON",
			zap.String("reference_id", row.ReferenceID),
			zap.Error(err),
		)
		p.incrementRowsDropped()
		return
	}

	// Key by customer+subscription so all periods of one subscription land
	// on the same partition, preserving their order for consumers.
	key := sarama.StringEncoder(row.CustomerID + "|" + row.SubscriptionID)

	msg := &sarama.ProducerMessage{
		Topic: p.cfg.Topic,
		Key:   key,
		Value: sarama.ByteEncoder(value),
	}

	select {
	case p.producer.Input() <- msg:
		p.incrementRowsAccepted()
		p.logger.Debug("Reconciled period sent to Kafka producer input",
			zap.String("subscription_id", row.SubscriptionID))
	case <-p.shutdownCtx.Done():
		p.logger.Warn("Shutdown during produce, dropping row",
			zap.String("subscription_id", row.SubscriptionID))
		p.incrementRowsDropped()
	}
}

// handleProducerNotifications processes success and error messages from the Kafka producer.
func (p *Publisher) handleProducerNotifications(producer sarama.AsyncProducer) {
	for {
		select {
		case success, ok := <-producer.Successes():
			if !ok {
				p.logger.Info("Producer successes channel closed.")
				return
			}
			if p.cfg.Producer.ReturnSuccesses {
				p.incrementKafkaSuccesses()
				p.logger.Debug("Message successfully sent to Kafka",
					zap.String("topic", success.Topic),
					zap.Int32("partition", success.Partition),
					zap.Int64("offset", success.Offset),
				)
			}
		case err, ok := <-producer.Errors():
			if !ok {
				p.logger.Info("Producer errors channel closed.")
				return
			}
			p.incrementKafkaErrors()
			p.logger.Error("Failed to produce message to Kafka",
				zap.String("topic", err.Msg.Topic),
				zap.Error(err.Err),
			)
			p.sendToRetryQueue(err.Msg)
		case <-p.shutdownCtx.Done():
			p.logger.Info("Shutdown signal received in producer notification handler.")
			return
		}
	}
}

// sendToRetryQueue sends a failed Kafka message to the retry channel.
func (p *Publisher) sendToRetryQueue(msg *sarama.ProducerMessage) {
	select {
	case p.retryChan <- msg:
		p.logger.Debug("Message sent to retry queue", zap.String("topic", msg.Topic))
	default:
		// Retry channel is also full. This is a critical failure path.
		p.logger.Error("Retry queue full. Dropping failed message.",
			zap.String("topic", msg.Topic),
		)
		p.incrementRowsDropped()
	}
}

// retryWorker processes messages from the retryChan.
func (p *Publisher) retryWorker(id int) {
	defer p.retryWorkerWg.Done()
	p.logger.Debug("Retry worker started", zap.Int("retry_worker_id", id))

	for {
		select {
		case msg, ok := <-p.retryChan:
			if !ok {
				p.logger.Debug("Retry channel closed, retry worker exiting", zap.Int("retry_worker_id", id))
				return
			}
			p.retryMessage(msg)
		case <-p.shutdownCtx.Done():
			p.logger.Debug("Shutdown signal received, retry worker exiting", zap.Int("retry_worker_id", id))
			return
		}
	}
}

// retryMessage attempts to resend a message to Kafka with exponential backoff.
func (p *Publisher) retryMessage(msg *sarama.ProducerMessage) {
	retryCount, ok := msg.Metadata.(int)
	if !ok {
		retryCount = 0
	}

	if retryCount >= p.cfg.Publish.Retry.MaxRetries {
		p.logger.Warn("Message exceeded max retry attempts. Sending to DLQ.",
			zap.String("topic", msg.Topic),
			zap.Int("retry_count", retryCount),
		)
		p.sendToDLQ(msg)
		return
	}

	backoff := time.Duration(float64(p.cfg.Publish.Retry.InitialBackoff) * math.Pow(p.cfg.Publish.Retry.BackoffMultiplier, float64(retryCount)))
	if backoff > p.cfg.Publish.Retry.MaxBackoff {
		backoff = p.cfg.Publish.Retry.MaxBackoff
	}
	// Jitter prevents retry workers from backing off in lockstep.
	if backoff > 10 {
		backoff += time.Duration(rand.Int63n(int64(backoff / 10)))
	}

	p.logger.Info("Retrying message",
		zap.String("topic", msg.Topic),
		zap.Int("attempt", retryCount+1),
		zap.Duration("backoff", backoff),
	)

	select {
	case <-time.After(backoff):
		msg.Metadata = retryCount + 1
		select {
		case p.producer.Input() <- msg:
			p.incrementRetriesAttempted()
		default:
			// Producer input still full, re-queue.
			p.logger.Warn("Kafka producer input full during retry. Re-queuing.", zap.String("topic", msg.Topic))
			p.sendToRetryQueue(msg)
		}
	case <-p.shutdownCtx.Done():
		p.logger.Info("Shutdown received during message retry, abandoning.", zap.String("topic", msg.Topic))
		return
	}
}

// sendToDLQ publishes a persistently failed message to the dead-letter topic.
func (p *Publisher) sendToDLQ(msg *sarama.ProducerMessage) {
	var keyStr string
	if enc, ok := msg.Key.(sarama.Encoder); ok {
		if b, err := enc.Encode(); err == nil {
			keyStr = string(b)
		}
	}

	dlqMessage := &sarama.ProducerMessage{
		Topic: p.cfg.DLQTopic,
		Key:   msg.Key,
		Value: msg.Value,
		Metadata: map[string]interface{}{
			"original_topic":    msg.Topic,
			"original_key_str":  keyStr,
			"final_retry_count": msg.Metadata,
			"dlq_timestamp":     time.Now().UTC(),
		},
	}

	select {
	case p.producer.Input() <- dlqMessage:
		p.incrementDLQMessagesSent()
		p.logger.Info("Message sent to DLQ",
			zap.String("dlq_topic", p.cfg.DLQTopic),
			zap.String("original_topic", msg.Topic),
		)
	default:
		p.logger.Error("CRITICAL: Kafka producer input channel full. FAILED to send message to DLQ. DATA MAY BE LOST.",
			zap.String("dlq_topic", p.cfg.DLQTopic),
			zap.String("original_topic", msg.Topic),
		)
	}
}

func (p *Publisher) incrementRowsAccepted()   { p.mu.Lock(); p.rowsAccepted++; p.mu.Unlock() }
func (p *Publisher) incrementRowsDropped()    { p.mu.Lock(); p.rowsDropped++; p.mu.Unlock() }
func (p *Publisher) incrementKafkaErrors()    { p.mu.Lock(); p.kafkaErrors++; p.mu.Unlock() }
func (p *Publisher) incrementKafkaSuccesses() { p.mu.Lock(); p.kafkaSuccesses++; p.mu.Unlock() }
func (p *Publisher) incrementRetriesAttempted() {
	p.mu.Lock()
	p.retriesAttempted++
	p.mu.Unlock()
}
func (p *Publisher) incrementDLQMessagesSent() { p.mu.Lock(); p.dlqMessagesSent++; p.mu.Unlock() }

// GetMetrics returns current counter values for the metrics endpoint.
func (p *Publisher) GetMetrics() map[string]interface{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return map[string]interface{}{
		"rows_accepted_total":           p.rowsAccepted,
		"rows_dropped_total":            p.rowsDropped,
		"kafka_produce_errors_total":    p.kafkaErrors,
		"kafka_produce_successes_total": p.kafkaSuccesses,
		"retries_attempted_total":       p.retriesAttempted,
		"dlq_messages_sent_total":       p.dlqMessagesSent,
	}
}
