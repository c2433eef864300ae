package capture

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kursadbilgin/delivery-guard/internal/clock"
	"github.com/kursadbilgin/delivery-guard/internal/domain"
	"github.com/kursadbilgin/delivery-guard/internal/notify"
	"github.com/kursadbilgin/delivery-guard/internal/observability"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

const (
	DefaultSweepInterval = 60 * time.Second
	DefaultMaxRetries    = 50
	DefaultRetention     = 7 * 24 * time.Hour

	ResolvedViaPrimary  = "primary"
	ResolvedViaFallback = "fallback"
)

type Config struct {
	SweepInterval time.Duration
	MaxRetries    int
	Retention     time.Duration
	// OnResolved, when set, observes every record a transport accepted.
	OnResolved func(domain.CaptureRecord)
}

func (c Config) withDefaults() Config {
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.Retention <= 0 {
		c.Retention = DefaultRetention
	}
	return c
}

// Receipt is what the submitter is shown. Captured is true once the record is
// durable and never changes afterwards.
type Receipt struct {
	ID       string
	Captured bool
	Status   domain.CaptureStatus
}

// SweepReport summarizes one pass over the queue.
type SweepReport struct {
	Coalesced bool
	Attempted int
	Resolved  int
	Failed    int
	Exhausted int
	Removed   int
	Backlog   int
}

// Failsafe guarantees a submission survives backend outages: durable write
// first, then primary, then fallback relay, then periodic sweeps.
type Failsafe struct {
	primaryStore   Store
	secondaryStore Store
	primary        Transport
	fallback       Transport
	sink           notify.Sink
	cfg            Config
	clock          clock.Clock
	logger         *zap.Logger
	metrics        *observability.Metrics

	idMu    sync.Mutex
	entropy io.Reader

	mu       sync.Mutex
	inFlight map[string]struct{}

	sweepMu sync.Mutex
	online  chan struct{}
	wg      sync.WaitGroup
}

func NewFailsafe(
	primaryStore Store,
	secondaryStore Store,
	primary Transport,
	fallback Transport,
	sink notify.Sink,
	cfg Config,
	clk clock.Clock,
	logger *zap.Logger,
) (*Failsafe, error) {
	if primaryStore == nil && secondaryStore == nil {
		return nil, fmt.Errorf("at least one durable store is required")
	}
	if primary == nil {
		return nil, fmt.Errorf("primary transport is required")
	}
	if sink == nil {
		sink = notify.Nop()
	}
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Failsafe{
		primaryStore:   primaryStore,
		secondaryStore: secondaryStore,
		primary:        primary,
		fallback:       fallback,
		sink:           sink,
		cfg:            cfg.withDefaults(),
		clock:          clk,
		logger:         logger,
		entropy:        ulid.Monotonic(rand.Reader, 0),
		inFlight:       make(map[string]struct{}),
		online:         make(chan struct{}, 1),
	}, nil
}

func (f *Failsafe) SetMetrics(metrics *observability.Metrics) {
	if f == nil {
		return
	}
	f.metrics = metrics
}

func (f *Failsafe) newID(now time.Time) (string, error) {
	f.idMu.Lock()
	defer f.idMu.Unlock()
	id, err := ulid.New(ulid.Timestamp(now), f.entropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// Submit captures payload durably and returns as soon as the write succeeds.
// Delivery continues in the background; Wait blocks until it settles.
func (f *Failsafe) Submit(ctx context.Context, payload map[string]string) (Receipt, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if len(payload) == 0 {
		return Receipt{}, fmt.Errorf("%w: capture payload is empty", domain.ErrValidation)
	}

	now := f.clock.Now()
	id, err := f.newID(now)
	if err != nil {
		return Receipt{}, fmt.Errorf("failed to generate capture id: %w", err)
	}

	record := domain.CaptureRecord{
		ID:        id,
		Payload:   domain.ClonePayload(payload),
		Status:    domain.CaptureStatusPending,
		CreatedAt: now,
	}
	if err := f.save(ctx, record); err != nil {
		f.logger.Error("capture not persisted", zap.String("captureId", id), zap.Error(err))
		return Receipt{}, err
	}

	// Claimed before returning so a sweep cannot race the first attempt.
	f.claim(id)
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		defer f.release(id)
		f.deliver(context.WithoutCancel(ctx), record)
	}()

	return Receipt{ID: id, Captured: true, Status: domain.CaptureStatusPending}, nil
}

// Wait blocks until every background delivery started by Submit has finished.
func (f *Failsafe) Wait() {
	f.wg.Wait()
}

// deliver runs the primary then fallback attempts for a freshly captured record.
func (f *Failsafe) deliver(ctx context.Context, record domain.CaptureRecord) {
	logger := f.logger.With(zap.String("captureId", record.ID))

	started := f.clock.Now()
	err := f.primary.Submit(ctx, record)
	if err == nil {
		f.resolve(ctx, record, ResolvedViaPrimary, started)
		return
	}

	logger.Warn("primary capture submission failed", zap.Error(err))
	f.sink.Escalate(ctx, notify.Event{
		Kind:       notify.KindCaptureFailure,
		Subject:    record.ID,
		Message:    err.Error(),
		Fields:     captureFields(record),
		OccurredAt: f.clock.Now(),
	})

	if f.fallback != nil {
		fallbackStarted := f.clock.Now()
		fbErr := f.fallback.Submit(ctx, record)
		if fbErr == nil {
			f.resolve(ctx, record, ResolvedViaFallback, fallbackStarted)
			return
		}
		logger.Warn("fallback relay failed", zap.Error(fbErr))
		err = errors.Join(err, fbErr)
	}

	now := f.clock.Now()
	record.Status = domain.CaptureStatusRetrying
	record.LastAttemptAt = &now
	record.LastError = err.Error()
	if saveErr := f.save(ctx, record); saveErr != nil {
		logger.Error("failed to mark capture retrying", zap.Error(saveErr))
	}
	f.metrics.IncCaptureOutcome("retrying")
}

// resolve records a transport acceptance and removes the record from the queue.
// If removal fails the record stays as resolved and Cleanup drops it later.
func (f *Failsafe) resolve(ctx context.Context, record domain.CaptureRecord, via string, started time.Time) {
	now := f.clock.Now()
	record.Status = domain.CaptureStatusResolved
	record.ResolvedVia = via
	record.LastAttemptAt = &now
	record.LastError = ""
	record.Result = &domain.DeliveryResult{
		Outcome:   domain.OutcomeDelivered,
		Channel:   via,
		Timestamp: now,
		Latency:   now.Sub(started),
	}

	logger := f.logger.With(zap.String("captureId", record.ID), zap.String("resolvedVia", via))
	if err := f.save(ctx, record); err != nil {
		logger.Warn("failed to mark capture resolved", zap.Error(err))
	}
	if err := f.remove(ctx, record.ID); err != nil {
		logger.Warn("failed to remove resolved capture", zap.Error(err))
	}

	logger.Info("capture resolved", zap.Int("retryCount", record.RetryCount))
	f.metrics.IncCaptureOutcome(via)
	if f.cfg.OnResolved != nil {
		f.cfg.OnResolved(record)
	}
}

// Sweep retries the primary transport for every unresolved record in id order.
// A sweep requested while one is running is coalesced into it.
func (f *Failsafe) Sweep(ctx context.Context) (SweepReport, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if !f.sweepMu.TryLock() {
		return SweepReport{Coalesced: true}, nil
	}
	defer f.sweepMu.Unlock()

	started := f.clock.Now()
	records, err := f.List(ctx)
	if err != nil {
		return SweepReport{}, err
	}

	var report SweepReport
	for _, record := range records {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		now := f.clock.Now()
		if f.drop(ctx, record, now) {
			report.Removed++
			continue
		}
		if !f.claim(record.ID) {
			report.Backlog++
			continue
		}

		// The listing may be stale: a Submit delivery can resolve and remove
		// the record between List and claim.
		current, ok := f.reload(ctx, record.ID)
		if !ok {
			f.release(record.ID)
			continue
		}
		if current.RetryCount >= f.cfg.MaxRetries {
			// Held until retention; already escalated.
			f.release(record.ID)
			report.Backlog++
			continue
		}

		report.Attempted++
		resolved, exhausted := f.retry(ctx, current)
		f.release(record.ID)

		switch {
		case resolved:
			report.Resolved++
		case exhausted:
			report.Failed++
			report.Exhausted++
			report.Backlog++
		default:
			report.Failed++
			report.Backlog++
		}
	}

	f.metrics.ObserveSweep(f.clock.Now().Sub(started), report.Backlog)
	if report.Attempted > 0 || report.Removed > 0 {
		f.logger.Info("capture sweep finished",
			zap.Int("attempted", report.Attempted),
			zap.Int("resolved", report.Resolved),
			zap.Int("failed", report.Failed),
			zap.Int("removed", report.Removed),
			zap.Int("backlog", report.Backlog),
		)
	}
	return report, nil
}

// reload returns the stored copy of a claimed record, or false when it is gone
// or already resolved.
func (f *Failsafe) reload(ctx context.Context, id string) (domain.CaptureRecord, bool) {
	record, err := f.Get(ctx, id)
	if err != nil {
		return domain.CaptureRecord{}, false
	}
	if record.Status == domain.CaptureStatusResolved {
		return domain.CaptureRecord{}, false
	}
	return record, true
}

// retry makes one sweep attempt. Failures are not escalated individually;
// reaching the retry bound escalates once.
func (f *Failsafe) retry(ctx context.Context, record domain.CaptureRecord) (resolved bool, exhausted bool) {
	started := f.clock.Now()
	record.RetryCount++
	err := f.primary.Submit(ctx, record)
	if err == nil {
		f.resolve(ctx, record, ResolvedViaPrimary, started)
		return true, false
	}

	now := f.clock.Now()
	record.Status = domain.CaptureStatusRetrying
	record.LastAttemptAt = &now
	record.LastError = err.Error()
	if saveErr := f.save(ctx, record); saveErr != nil {
		f.logger.Error("failed to record capture retry",
			zap.String("captureId", record.ID),
			zap.Error(saveErr),
		)
	}

	if record.RetryCount < f.cfg.MaxRetries {
		return false, false
	}

	f.logger.Error("capture retries exhausted",
		zap.String("captureId", record.ID),
		zap.Int("retryCount", record.RetryCount),
		zap.Error(err),
	)
	f.metrics.IncCaptureOutcome("exhausted")
	f.sink.Escalate(ctx, notify.Event{
		Kind:       notify.KindQueueExhausted,
		Subject:    record.ID,
		Message:    record.LastError,
		Attempts:   record.RetryCount,
		Fields:     captureFields(record),
		OccurredAt: now,
	})
	return false, true
}

// drop removes a record that is resolved or past retention. It reports whether
// the record was removed.
func (f *Failsafe) drop(ctx context.Context, record domain.CaptureRecord, now time.Time) bool {
	switch {
	case record.Status == domain.CaptureStatusResolved:
	case record.Expired(now, f.cfg.Retention):
		f.logger.Warn("capture expired unresolved",
			zap.String("captureId", record.ID),
			zap.Duration("age", record.Age(now)),
			zap.Int("retryCount", record.RetryCount),
		)
		f.metrics.IncCaptureOutcome("expired")
	default:
		return false
	}

	if err := f.remove(ctx, record.ID); err != nil {
		f.logger.Warn("failed to remove capture", zap.String("captureId", record.ID), zap.Error(err))
		return false
	}
	return true
}

// Cleanup removes resolved records and records older than the retention
// period. Nothing else is ever removed.
func (f *Failsafe) Cleanup(ctx context.Context) (int, error) {
	records, err := f.List(ctx)
	if err != nil {
		return 0, err
	}

	now := f.clock.Now()
	removed := 0
	for _, record := range records {
		if f.isInFlight(record.ID) {
			continue
		}
		if f.drop(ctx, record, now) {
			removed++
		}
	}
	return removed, nil
}

// NotifyOnline requests an immediate sweep from Run.
func (f *Failsafe) NotifyOnline() {
	select {
	case f.online <- struct{}{}:
	default:
	}
}

// Run sweeps every SweepInterval, and immediately on NotifyOnline, until ctx
// is cancelled.
func (f *Failsafe) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	f.runSweep(ctx)

	ticker := time.NewTicker(f.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			f.runSweep(ctx)
		case <-f.online:
			f.logger.Info("connectivity restored, sweeping capture queue")
			f.runSweep(ctx)
		}
	}
}

func (f *Failsafe) runSweep(ctx context.Context) {
	if _, err := f.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
		f.logger.Error("capture sweep failed", zap.Error(err))
	}
}

// Get returns a held record, preferring the primary store.
func (f *Failsafe) Get(ctx context.Context, id string) (domain.CaptureRecord, error) {
	for _, store := range f.stores() {
		record, err := store.Get(ctx, id)
		if err == nil {
			return record, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			f.logger.Warn("capture store read failed", zap.String("captureId", id), zap.Error(err))
		}
	}
	return domain.CaptureRecord{}, domain.ErrNotFound
}

// List returns every held record from both stores in id order. When a record
// exists in both, the copy with more retries wins.
func (f *Failsafe) List(ctx context.Context) ([]domain.CaptureRecord, error) {
	merged := make(map[string]domain.CaptureRecord)
	var failures []error
	readable := 0

	for _, store := range f.stores() {
		err := store.Iterate(ctx, func(r domain.CaptureRecord) error {
			if existing, ok := merged[r.ID]; !ok || r.RetryCount > existing.RetryCount {
				merged[r.ID] = r
			}
			return nil
		})
		if err != nil {
			failures = append(failures, err)
			continue
		}
		readable++
	}
	if readable == 0 && len(failures) > 0 {
		return nil, fmt.Errorf("failed to read capture queue: %w", errors.Join(failures...))
	}
	for _, err := range failures {
		f.logger.Warn("capture store unreadable, continuing with the other", zap.Error(err))
	}

	out := make([]domain.CaptureRecord, 0, len(merged))
	for _, r := range merged {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// save writes to the primary store and falls back to the secondary one.
func (f *Failsafe) save(ctx context.Context, record domain.CaptureRecord) error {
	var primaryErr error
	if f.primaryStore != nil {
		if primaryErr = f.primaryStore.Put(ctx, record); primaryErr == nil {
			return nil
		}
		f.logger.Warn("primary capture store write failed",
			zap.String("captureId", record.ID),
			zap.Error(primaryErr),
		)
	}
	if f.secondaryStore != nil {
		secondaryErr := f.secondaryStore.Put(ctx, record)
		if secondaryErr == nil {
			return nil
		}
		return fmt.Errorf("%w: %w", ErrNotCaptured, errors.Join(primaryErr, secondaryErr))
	}
	return fmt.Errorf("%w: %w", ErrNotCaptured, primaryErr)
}

func (f *Failsafe) remove(ctx context.Context, id string) error {
	var errs []error
	for _, store := range f.stores() {
		if err := store.Delete(ctx, id); err != nil && !errors.Is(err, domain.ErrNotFound) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f *Failsafe) stores() []Store {
	out := make([]Store, 0, 2)
	if f.primaryStore != nil {
		out = append(out, f.primaryStore)
	}
	if f.secondaryStore != nil {
		out = append(out, f.secondaryStore)
	}
	return out
}

func (f *Failsafe) claim(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, busy := f.inFlight[id]; busy {
		return false
	}
	f.inFlight[id] = struct{}{}
	return true
}

func (f *Failsafe) release(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.inFlight, id)
}

func (f *Failsafe) isInFlight(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, busy := f.inFlight[id]
	return busy
}

// captureFields picks a few identifying payload fields for the operator.
func captureFields(record domain.CaptureRecord) map[string]string {
	fields := make(map[string]string, 3)
	for _, key := range []string{"name", "email", "phone"} {
		for k, v := range record.Payload {
			if strings.EqualFold(k, key) && strings.TrimSpace(v) != "" {
				fields[key] = v
				break
			}
		}
	}
	return fields
}
