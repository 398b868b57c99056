package failover

/*
Файл audit.go реализует двухуровневый Audit Trail контроллера failover.

Уровень 1 — auditRing: кольцевой буфер в памяти с ограниченной емкостью.
Из него обслуживаются горячие запросы GetFailoverEvents без похода в БД.

Уровень 2 — AuditWriter: асинхронный батчер поверх AuditSink (Postgres).
Неблокирующая запись из hot path, пакетный flush по таймеру или лимиту,
Drain Pattern при остановке. Сбойный sink изолируется предохранителем
gobreaker: при серии ошибок записи батчи сбрасываются в лог, а не копятся.
*/

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// AuditSink — куда физически сохраняются записи аудита.
type AuditSink interface {
	// WriteBatch сохраняет пачку записей за один раз
	WriteBatch(ctx context.Context, events []FailoverEvent) error
}

// auditRing — кольцевой буфер последних N записей аудита.
// При переполнении самая старая запись вытесняется.
type auditRing struct {
	mu    sync.RWMutex
	buf   []FailoverEvent
	start int
	size  int
}

func newAuditRing(capacity int) *auditRing {
	if capacity <= 0 {
		capacity = 1000
	}
	return &auditRing{buf: make([]FailoverEvent, capacity)}
}

func (r *auditRing) Add(e FailoverEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.size < len(r.buf) {
		r.buf[(r.start+r.size)%len(r.buf)] = e
		r.size++
		return
	}
	// Буфер полон: перезаписываем хвост
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

// Snapshot возвращает записи от новых к старым, опционально по интеграции.
func (r *auditRing) Snapshot(integration string, limit int) []FailoverEvent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]FailoverEvent, 0, r.size)
	for i := r.size - 1; i >= 0; i-- {
		e := r.buf[(r.start+i)%len(r.buf)]
		if integration != "" && e.IntegrationName != integration {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

func (r *auditRing) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}

const (
	auditQueueCap   = 10000
	auditBatchSize  = 100
	auditFlushEvery = 500 * time.Millisecond
)

// AuditWriter — асинхронный писатель аудита в долговременный sink.
type AuditWriter struct {
	ch       chan FailoverEvent
	sink     AuditSink
	breaker  *gobreaker.CircuitBreaker
	logger   *zap.Logger
	wg       sync.WaitGroup
	isClosed int32 // Атомарный флаг (0 - открыт, 1 - закрыт)
}

func NewAuditWriter(sink AuditSink, logger *zap.Logger) *AuditWriter {
	w := &AuditWriter{
		ch:     make(chan FailoverEvent, auditQueueCap),
		sink:   sink,
		logger: logger.With(zap.String("mod", "failover_audit")),
	}
	w.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "failover_audit_sink",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			w.logger.Warn("audit sink breaker state change",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return w
}

func (w *AuditWriter) Start() {
	w.wg.Add(1)
	go w.worker()
}

// Stop запирает вход в канал и ждет, пока воркер всё допишет.
func (w *AuditWriter) Stop() {
	atomic.StoreInt32(&w.isClosed, 1)

	// Крошечная пауза, чтобы текущие Write успели проскочить
	time.Sleep(10 * time.Millisecond)

	w.logger.Info("stopping audit writer: closing channel and flushing buffer...")
	close(w.ch)
	w.wg.Wait()
	w.logger.Info("audit writer stopped gracefully")
}

// Write ставит запись в очередь. Load Shedding: переполненный буфер
// не блокирует hot path контроллера — запись уходит в лог.
func (w *AuditWriter) Write(e FailoverEvent) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	if atomic.LoadInt32(&w.isClosed) == 1 {
		w.logger.Warn("audit record dropped: writer is stopping", zap.String("id", e.ID))
		return
	}

	select {
	case w.ch <- e:
	default:
		w.logger.Error("failover_audit_overflow",
			zap.String("integration", e.IntegrationName),
			zap.String("to_target", e.ToTarget),
		)
	}
}

func (w *AuditWriter) worker() {
	defer w.wg.Done()

	batch := make([]FailoverEvent, 0, auditBatchSize)
	ticker := time.NewTicker(auditFlushEvery)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		// Background: основной контекст при финальном flush уже может быть закрыт
		_, err := w.breaker.Execute(func() (interface{}, error) {
			return nil, w.sink.WriteBatch(context.Background(), batch)
		})
		if err != nil {
			w.logger.Error("audit flush failed", zap.Int("batch", len(batch)), zap.Error(err))
		}
		batch = batch[:0]
	}

	for {
		select {
		case e, ok := <-w.ch:
			if !ok {
				// Канал закрыт в Stop(): вычитали остатки, финальный сброс и выход
				flush()
				w.logger.Info("audit worker finished")
				return
			}
			batch = append(batch, e)
			if len(batch) >= auditBatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
