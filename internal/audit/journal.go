package audit

/*
Файл journal.go реализует журнал жизненного цикла: каждая применённая команда
оставляет запись, которая асинхронно и пачками уходит в хранилище.

- Non-blocking: Record никогда не блокирует обработку команд. При переполнении
  буфера событие сбрасывается с записью в лог (Load Shedding).
- Batching: запись пачкой по таймеру или при достижении лимита.
- Drain: Stop закрывает вход, воркер вычитывает остаток и делает финальный flush.
*/

import (
	"context"
	"sync"
	"time"

	"github.com/xela07ax/spaceai-agentops/internal/infra"
	"go.uber.org/zap"
)

const (
	defaultBufferSize    = 10000
	defaultFlushInterval = 500 * time.Millisecond
	batchSize            = 100
)

// Storage определяет, куда физически будут сохраняться события
type Storage interface {
	// WriteBatch сохраняет пачку событий за один раз
	WriteBatch(ctx context.Context, events []LifecycleEvent) error
}

type Recorder interface {
	Record(event LifecycleEvent)
}

type Journal struct {
	ch         chan LifecycleEvent
	repo       Storage
	metrics    *infra.Metrics
	logger     *zap.Logger
	flushEvery time.Duration

	// closed защищён mu: Record держит RLock на время отправки, Stop берёт Lock перед close
	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewJournal(repo Storage, bufferSize int, flushEvery time.Duration, metrics *infra.Metrics, logger *zap.Logger) *Journal {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	if flushEvery <= 0 {
		flushEvery = defaultFlushInterval
	}
	if metrics == nil {
		metrics = infra.NewMetrics(nil)
	}
	return &Journal{
		ch:         make(chan LifecycleEvent, bufferSize),
		repo:       repo,
		metrics:    metrics,
		logger:     logger.With(zap.String("mod", "journal")),
		flushEvery: flushEvery,
	}
}

func (j *Journal) Start() {
	j.wg.Add(1)
	go j.worker()
}

// Stop «запирает» вход и ждёт, пока воркер всё допишет.
func (j *Journal) Stop() {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return
	}
	j.closed = true
	close(j.ch)
	j.mu.Unlock()

	j.logger.Info("stopping journal: flushing buffer...")
	j.wg.Wait()
	j.logger.Info("journal stopped gracefully")
}

func (j *Journal) Record(event LifecycleEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		j.logger.Warn("journal event dropped: journal is stopping", zap.String("id", event.ID))
		return
	}

	select {
	case j.ch <- event:
		j.metrics.JournalBufferFill.Set(float64(len(j.ch)))
	default:
		j.logger.Error("journal_buffer_overflow",
			zap.String("agent_id", event.AgentID),
			zap.String("command", event.Command),
			zap.String("request_id", event.RequestID),
		)
	}
}

func (j *Journal) worker() {
	defer j.wg.Done()

	batch := make([]LifecycleEvent, 0, batchSize)
	ticker := time.NewTicker(j.flushEvery)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		// Background: основной контекст к моменту drain может быть уже закрыт
		if err := j.repo.WriteBatch(context.Background(), batch); err != nil {
			j.logger.Error("journal flush failed", zap.Int("events", len(batch)), zap.Error(err))
		}
		batch = batch[:0]
		j.metrics.JournalBufferFill.Set(float64(len(j.ch)))
	}

	for {
		select {
		case event, ok := <-j.ch:
			if !ok {
				flush() // Финальный сброс
				j.logger.Info("journal worker finished")
				return
			}
			batch = append(batch, event)
			if len(batch) >= batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
