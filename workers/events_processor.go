package workers

import (
	"context"
	"sync"
	"time"

	"wainbox/config"
	"wainbox/ingest"
	"wainbox/models"

	"github.com/jinzhu/gorm"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

const MAX_EVENT_ATTEMPTS = 5

const CLEANUP_INTERVAL = time.Hour

// in-flight states left behind by a crash or a hung handler
var inFlightStatuses = []string{
	models.EVENT_STATUS_PROCESSING,
	models.EVENT_STATUS_TENANT_RESOLVED,
	models.EVENT_STATUS_DISPATCHED,
}

var terminalStatuses = []string{
	models.EVENT_STATUS_PROCESSED,
	models.EVENT_STATUS_DROPPED,
}

// EventHandler processes one claimed event. *ingest.Pipeline implements it.
type EventHandler interface {
	Process(ctx context.Context, ev *models.Event) error
}

// Processor runs stored webhook events asynchronously. The webhook hands
// fresh events over with Dispatch; a periodic sweep picks up whatever was
// not dispatched (pool full, restart) and resets stale in-flight rows.
type Processor struct {
	db      *gorm.DB
	handler EventHandler
	conf    config.WorkerConfig
	sem     *semaphore.Weighted
	wg      sync.WaitGroup

	mu          sync.Mutex
	base        context.Context
	lastCleanup time.Time
}

func NewProcessor(database *gorm.DB, handler EventHandler, conf config.WorkerConfig) *Processor {
	if conf.MaxConcurrency <= 0 {
		conf.MaxConcurrency = 1
	}
	if conf.BatchSize <= 0 {
		conf.BatchSize = 50
	}
	if conf.SweepIntervalSecs <= 0 {
		conf.SweepIntervalSecs = 5
	}
	if conf.EventTimeoutSecs <= 0 {
		conf.EventTimeoutSecs = 120
	}
	// an event still inside its timeout must never look stale
	if conf.StaleAfterSecs <= conf.EventTimeoutSecs {
		conf.StaleAfterSecs = 2 * conf.EventTimeoutSecs
	}
	return &Processor{
		db:      database,
		handler: handler,
		conf:    conf,
		sem:     semaphore.NewWeighted(int64(conf.MaxConcurrency)),
		base:    context.Background(),
	}
}

// Start runs the sweep loop until ctx is done. Events dispatched after
// that are still bounded by their own timeout.
func (p *Processor) Start(ctx context.Context) {
	p.mu.Lock()
	p.base = ctx
	p.mu.Unlock()

	go func() {
		ticker := time.NewTicker(p.conf.SweepInterval())
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.Sweep(ctx)
			}
		}
	}()
}

// Dispatch claims a received event and processes it in the background.
// It reports false when the pool is full or the event was claimed
// elsewhere; the sweep retries the first case.
func (p *Processor) Dispatch(eventID int64) bool {
	if !p.sem.TryAcquire(1) {
		zap.L().Debug("events worker: pool full, leaving event to the sweep", zap.Int64("event_id", eventID))
		return false
	}
	claimed, err := p.claim(eventID)
	if err != nil || !claimed {
		p.sem.Release(1)
		if err != nil {
			zap.L().Error("events worker: claim failed", zap.Int64("event_id", eventID), zap.Error(err))
		}
		return false
	}

	p.wg.Add(1)
	go p.run(eventID)
	return true
}

// Sweep resets stale in-flight events, dispatches received ones while the
// pool has room and, at most once per CLEANUP_INTERVAL, purges old
// terminal events.
func (p *Processor) Sweep(ctx context.Context) {
	if n, err := p.ResetStale(); err != nil {
		zap.L().Error("events worker: reset stale failed", zap.Error(err))
	} else if n > 0 {
		zap.L().Warn("events worker: stale events reset", zap.Int64("count", n))
	}

	var ids []int64
	err := p.db.Model(&models.Event{}).
		Where("status = ?", models.EVENT_STATUS_RECEIVED).
		Order("id asc").
		Limit(p.conf.BatchSize).
		Pluck("id", &ids).Error
	if err != nil {
		zap.L().Error("events worker: query error", zap.Error(err))
		return
	}
	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		p.Dispatch(id)
	}

	p.mu.Lock()
	due := time.Since(p.lastCleanup) >= CLEANUP_INTERVAL
	if due {
		p.lastCleanup = time.Now()
	}
	p.mu.Unlock()
	if due {
		if n, err := p.Cleanup(); err != nil {
			zap.L().Error("events worker: cleanup failed", zap.Error(err))
		} else if n > 0 {
			zap.L().Info("events worker: old events removed", zap.Int64("count", n))
		}
	}
}

// ResetStale puts events stuck in flight longer than StaleAfter back to
// received.
func (p *Processor) ResetStale() (int64, error) {
	cutoff := time.Now().UTC().Add(-p.conf.StaleAfter())
	res := p.db.Model(&models.Event{}).
		Where("status IN (?) AND updated_at < ?", inFlightStatuses, cutoff).
		Update("status", models.EVENT_STATUS_RECEIVED)
	if res.Error != nil {
		return 0, eris.Wrap(res.Error, "events worker: reset stale")
	}
	return res.RowsAffected, nil
}

// Cleanup deletes terminal events older than the retention window. A zero
// retention keeps everything.
func (p *Processor) Cleanup() (int64, error) {
	if p.conf.Retention() <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().Add(-p.conf.Retention())
	res := p.db.Where("status IN (?) AND updated_at < ?", terminalStatuses, cutoff).Delete(&models.Event{})
	if res.Error != nil {
		return 0, eris.Wrap(res.Error, "events worker: cleanup")
	}
	return res.RowsAffected, nil
}

// Wait blocks until every dispatched event has finished.
func (p *Processor) Wait() {
	p.wg.Wait()
}

// lock otimista: só processa quem conseguir mudar o status
func (p *Processor) claim(eventID int64) (bool, error) {
	res := p.db.Model(&models.Event{}).
		Where("id = ? AND status = ?", eventID, models.EVENT_STATUS_RECEIVED).
		Updates(map[string]interface{}{
			"status":   models.EVENT_STATUS_PROCESSING,
			"attempts": gorm.Expr("attempts + 1"),
		})
	if res.Error != nil {
		return false, eris.Wrapf(res.Error, "events worker: claim %d", eventID)
	}
	return res.RowsAffected > 0, nil
}

func (p *Processor) run(eventID int64) {
	defer p.wg.Done()
	defer p.sem.Release(1)

	var ev models.Event
	if err := p.db.First(&ev, eventID).Error; err != nil {
		zap.L().Error("events worker: load event", zap.Int64("event_id", eventID), zap.Error(err))
		return
	}
	if ev.Status != models.EVENT_STATUS_PROCESSING {
		return
	}

	p.mu.Lock()
	base := p.base
	p.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.WithoutCancel(base), p.conf.EventTimeout())
	defer cancel()

	start := time.Now()
	err := p.handler.Process(ctx, &ev)
	if err == nil {
		zap.L().Debug("events worker: done",
			zap.Int64("event_id", ev.ID),
			zap.String("status", ev.Status),
			zap.Duration("took", time.Since(start)),
		)
		return
	}

	if ev.Attempts >= MAX_EVENT_ATTEMPTS {
		zap.L().Error("events worker: giving up", zap.Int64("event_id", ev.ID), zap.Int("attempts", ev.Attempts), zap.Error(err))
		now := time.Now()
		err = p.db.Model(&models.Event{}).Where("id = ?", ev.ID).Updates(map[string]interface{}{
			"status":       models.EVENT_STATUS_DROPPED,
			"drop_reason":  ingest.DROP_PROCESSING_FAILED,
			"processed_at": &now,
		}).Error
	} else {
		zap.L().Warn("events worker: failed, will retry", zap.Int64("event_id", ev.ID), zap.Int("attempts", ev.Attempts), zap.Error(err))
		err = p.db.Model(&models.Event{}).Where("id = ?", ev.ID).Update("status", models.EVENT_STATUS_RECEIVED).Error
	}
	if err != nil {
		zap.L().Error("events worker: update status", zap.Int64("event_id", ev.ID), zap.Error(err))
	}
}
