package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/relaykit/wa-relay/internal/config"
	"github.com/relaykit/wa-relay/internal/repository"
	"github.com/relaykit/wa-relay/internal/service"
)

const (
	defaultConcurrency = 4
	defaultMaxAttempts = 5
	queueSize          = 256
	requeueBatch       = 500
)

// DefaultBackoff is the delay before attempt n+1 after attempt n failed.
var DefaultBackoff = []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}

// SendRunner executes one delivery attempt.
type SendRunner interface {
	Run(ctx context.Context, messageID string) error
}

type sendTask struct {
	messageID string
	attempt   int
}

// SendWorker runs a fixed pool of goroutines over a buffered queue of message
// ids and retries transient failures with backoff.
type SendWorker struct {
	runner      SendRunner
	messages    repository.MessageRepository
	logger      *zap.Logger
	concurrency int
	maxAttempts int
	backoff     []time.Duration

	tasks chan sendTask
	wg    sync.WaitGroup
	once  sync.Once

	mu   sync.Mutex
	ctx  context.Context
	stop context.CancelFunc
}

// NewSendWorker builds a worker. messages may be nil to skip the startup requeue.
func NewSendWorker(cfg config.OutboundConfig, runner SendRunner, messages repository.MessageRepository, logger *zap.Logger) *SendWorker {
	concurrency := cfg.WorkerConcurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	return &SendWorker{
		runner:      runner,
		messages:    messages,
		logger:      logger.Named("send_worker"),
		concurrency: concurrency,
		maxAttempts: maxAttempts,
		backoff:     DefaultBackoff,
		tasks:       make(chan sendTask, queueSize),
	}
}

// Start launches the pool and requeues outbound messages left pending by a
// previous process.
func (w *SendWorker) Start(ctx context.Context) {
	w.once.Do(func() {
		runCtx, stop := context.WithCancel(ctx)
		w.mu.Lock()
		w.ctx, w.stop = runCtx, stop
		w.mu.Unlock()
		for i := 0; i < w.concurrency; i++ {
			w.wg.Add(1)
			go w.loop(runCtx)
		}
		go w.requeuePending(runCtx)
	})
}

// Stop cancels in-flight work and waits for the pool to drain.
func (w *SendWorker) Stop() {
	w.mu.Lock()
	stop := w.stop
	w.mu.Unlock()
	if stop == nil {
		return
	}
	stop()
	w.wg.Wait()
}

// runContext returns the pool context, or nil before Start.
func (w *SendWorker) runContext() context.Context {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ctx
}

// Enqueue schedules the first delivery attempt.
func (w *SendWorker) Enqueue(messageID string) {
	w.push(sendTask{messageID: messageID, attempt: 1})
}

func (w *SendWorker) push(task sendTask) {
	ctx := w.runContext()
	if ctx == nil {
		w.logger.Warn("send worker not started, dropping task", zap.String("message_id", task.messageID))
		return
	}
	select {
	case w.tasks <- task:
	case <-ctx.Done():
	default:
		// queue full: hand off instead of blocking the request path
		go func() {
			select {
			case w.tasks <- task:
			case <-ctx.Done():
			}
		}()
	}
}

func (w *SendWorker) loop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-w.tasks:
			w.process(ctx, task)
		}
	}
}

func (w *SendWorker) process(ctx context.Context, task sendTask) {
	logger := w.logger.With(zap.String("message_id", task.messageID), zap.Int("attempt", task.attempt))
	err := w.runner.Run(ctx, task.messageID)
	if err == nil {
		return
	}
	if service.IsTerminal(err) {
		logger.Warn("send failed permanently", zap.Error(err))
		return
	}
	if task.attempt >= w.maxAttempts || ctx.Err() != nil {
		logger.Error("send failed, giving up", zap.Error(err))
		return
	}
	delay := w.delay(task.attempt)
	logger.Info("send failed, retrying", zap.Duration("delay", delay), zap.Error(err))
	next := sendTask{messageID: task.messageID, attempt: task.attempt + 1}
	time.AfterFunc(delay, func() { w.push(next) })
}

func (w *SendWorker) delay(attempt int) time.Duration {
	if len(w.backoff) == 0 {
		return 0
	}
	idx := attempt - 1
	if idx >= len(w.backoff) {
		idx = len(w.backoff) - 1
	}
	return w.backoff[idx]
}

func (w *SendWorker) requeuePending(ctx context.Context) {
	if w.messages == nil {
		return
	}
	pending, err := w.messages.ListPendingOutbound(ctx, requeueBatch)
	if err != nil {
		w.logger.Error("failed to load pending outbound messages", zap.Error(err))
		return
	}
	for _, msg := range pending {
		w.Enqueue(msg.ID)
	}
	if len(pending) > 0 {
		w.logger.Info("requeued pending outbound messages", zap.Int("count", len(pending)))
	}
}
