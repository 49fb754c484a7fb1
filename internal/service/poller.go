package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/trip-gateway/internal/delivery"
	"github.com/kursadbilgin/trip-gateway/internal/domain"
	"github.com/kursadbilgin/trip-gateway/internal/lease"
	"github.com/kursadbilgin/trip-gateway/internal/observability"
	"github.com/kursadbilgin/trip-gateway/internal/queue"
	"github.com/kursadbilgin/trip-gateway/internal/ratelimit"
	"github.com/kursadbilgin/trip-gateway/internal/repository"
	"github.com/kursadbilgin/trip-gateway/internal/retry"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultPollInterval        = 60 * time.Second
	defaultPollBatchLimit      = 500
	defaultDeliveryConcurrency = 16
	cycleLockReleaseTimeout    = 5 * time.Second
	minLeaseRefreshInterval    = 10 * time.Millisecond
	// storeWriteTimeout bounds reconciliation and attempt logging, which run
	// detached from the cycle context so finished deliveries are still recorded.
	storeWriteTimeout = 30 * time.Second
)

// ErrPollerStopped is returned by Stop when the in-flight cycle outlived the context.
var ErrPollerStopped = errors.New("poller stopped before the running cycle finished")

type PollerConfig struct {
	Interval    time.Duration
	BatchLimit  int
	Concurrency int
}

// CycleSummary reports what one poll cycle did.
type CycleSummary struct {
	StartedAt      time.Time `json:"startedAt"`
	FinishedAt     time.Time `json:"finishedAt"`
	Due            int       `json:"due"`
	Delivered      int       `json:"delivered"`
	Failed         int       `json:"failed"`
	RetryScheduled int       `json:"retryScheduled"`
	Expired        int       `json:"expired"`
	Skipped        int       `json:"skipped"`
	StoreErrors    int       `json:"storeErrors"`
	AllDelivered   bool      `json:"allDelivered"`
	LockHeld       bool      `json:"lockHeld"`
	Interrupted    bool      `json:"interrupted"`
}

type PollerStatus struct {
	Running         bool          `json:"running"`
	IntervalSeconds float64       `json:"intervalSeconds"`
	CyclesRun       int64         `json:"cyclesRun"`
	LastCycleAt     *time.Time    `json:"lastCycleAt"`
	LastSummary     *CycleSummary `json:"lastSummary"`
	LastError       *string       `json:"lastError"`
}

// Poller is the scheduler handle: it periodically delivers due timers and
// reconciles the outcomes into the timer store through guarded transitions.
type Poller struct {
	timers      repository.TimerRepository
	attempts    repository.AttemptRepository
	client      delivery.Client
	policy      retry.Policy
	publisher   queue.Publisher
	rateLimiter ratelimit.RateLimiter
	cycleLock   lease.Locker
	metrics     *observability.Metrics
	logger      *zap.Logger
	interval    time.Duration
	limit       int
	concurrency int
	now         func() time.Time

	// cycleSlot admits one cycle at a time within the process.
	cycleSlot chan struct{}

	mu          sync.Mutex
	runner      *cron.Cron
	runCtx      context.Context
	cancelRun   context.CancelFunc
	cyclesRun   int64
	lastCycleAt *time.Time
	lastSummary *CycleSummary
	lastError   *string
}

type deliveryOutcome struct {
	timer    domain.TimerView
	response *delivery.Response
	err      error
}

func NewPoller(
	timers repository.TimerRepository,
	attempts repository.AttemptRepository,
	client delivery.Client,
	policy retry.Policy,
	cfg PollerConfig,
	logger *zap.Logger,
) (*Poller, error) {
	if timers == nil {
		return nil, fmt.Errorf("timer repository is required")
	}
	if client == nil {
		return nil, fmt.Errorf("delivery client is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultPollInterval
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = defaultPollBatchLimit
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultDeliveryConcurrency
	}
	if policy.IsZero() {
		policy = retry.DefaultPolicy()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Poller{
		timers:      timers,
		attempts:    attempts,
		client:      client,
		policy:      policy,
		publisher:   queue.NopPublisher{},
		logger:      logger,
		interval:    cfg.Interval,
		limit:       cfg.BatchLimit,
		concurrency: cfg.Concurrency,
		now:         time.Now,
		cycleSlot:   make(chan struct{}, 1),
	}, nil
}

func (p *Poller) SetMetrics(metrics *observability.Metrics) {
	if p == nil {
		return
	}
	p.metrics = metrics
}

func (p *Poller) SetPublisher(publisher queue.Publisher) {
	if p == nil || publisher == nil {
		return
	}
	p.publisher = publisher
}

func (p *Poller) SetRateLimiter(rateLimiter ratelimit.RateLimiter) {
	if p == nil {
		return
	}
	p.rateLimiter = rateLimiter
}

// SetCycleLock makes every cycle run under lock. The lease is refreshed while
// the cycle runs and losing it cancels the cycle.
func (p *Poller) SetCycleLock(lock lease.Locker) {
	if p == nil {
		return
	}
	p.cycleLock = lock
}

// Start schedules poll cycles every interval. Starting a running poller is a no-op.
func (p *Poller) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.runner != nil {
		return
	}

	cronLogger := observability.NewCronLogger(p.logger)
	runner := cron.New(
		cron.WithLogger(cronLogger),
		cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
	)
	runner.Schedule(cron.Every(p.interval), cron.FuncJob(p.runScheduled))

	p.runCtx, p.cancelRun = context.WithCancel(context.Background())
	p.runner = runner
	runner.Start()

	p.logger.Info("poller started", zap.Duration("interval", p.interval))
}

// Stop halts the schedule and waits for the running cycle to finish. The cycle
// is canceled once ctx is done.
func (p *Poller) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	p.mu.Lock()
	runner := p.runner
	cancel := p.cancelRun
	p.runner = nil
	p.cancelRun = nil
	p.mu.Unlock()

	if runner == nil {
		return nil
	}

	stopped := runner.Stop()
	defer cancel()

	select {
	case <-stopped.Done():
		p.logger.Info("poller stopped")
		return nil
	case <-ctx.Done():
		return ErrPollerStopped
	}
}

func (p *Poller) Status() PollerStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	status := PollerStatus{
		Running:         p.runner != nil,
		IntervalSeconds: p.interval.Seconds(),
		CyclesRun:       p.cyclesRun,
		LastError:       p.lastError,
	}
	if p.lastCycleAt != nil {
		at := *p.lastCycleAt
		status.LastCycleAt = &at
	}
	if p.lastSummary != nil {
		summary := *p.lastSummary
		status.LastSummary = &summary
	}
	return status
}

// TriggerOnce runs one cycle now. It waits for a cycle already in progress
// instead of overlapping it.
func (p *Poller) TriggerOnce(ctx context.Context) (CycleSummary, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	select {
	case p.cycleSlot <- struct{}{}:
	case <-ctx.Done():
		return CycleSummary{}, ctx.Err()
	}
	defer func() { <-p.cycleSlot }()

	return p.runCycle(ctx)
}

func (p *Poller) runScheduled() {
	p.mu.Lock()
	ctx := p.runCtx
	p.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	select {
	case p.cycleSlot <- struct{}{}:
	default:
		p.logger.Info("poll cycle skipped, previous cycle still running")
		p.metrics.ObservePollCycle("skipped", 0, 0)
		return
	}
	defer func() { <-p.cycleSlot }()

	// Failures are logged by finishCycle.
	_, _ = p.runCycle(ctx)
}

func (p *Poller) runCycle(ctx context.Context) (CycleSummary, error) {
	summary := CycleSummary{StartedAt: p.now().UTC()}

	if p.cycleLock != nil {
		held, ok, err := p.cycleLock.TryAcquire(ctx)
		if err != nil {
			return p.finishCycle(summary, fmt.Errorf("failed to acquire cycle lock: %w", err))
		}
		if !ok {
			summary.LockHeld = true
			summary.FinishedAt = p.now().UTC()
			p.logger.Info("poll cycle skipped, another instance holds the cycle lock")
			p.metrics.ObservePollCycle("skipped", 0, 0)
			return summary, nil
		}

		var cancelCycle context.CancelCauseFunc
		ctx, cancelCycle = context.WithCancelCause(ctx)
		stopRefresh := p.keepLease(ctx, held, p.cycleLock.TTL(), cancelCycle)
		defer func() {
			stopRefresh()
			cancelCycle(nil)

			releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cycleLockReleaseTimeout)
			defer cancel()
			if err := held.Release(releaseCtx); err != nil {
				p.logger.Warn("failed to release cycle lock", zap.Error(err))
			}
		}()
	}

	now := p.now().UTC()
	due, err := p.fetchDue(ctx, now)
	if err != nil {
		return p.finishCycle(summary, err)
	}

	summary.Due = len(due)
	if len(due) == 0 {
		return p.finishCycle(summary, nil)
	}

	outcomes := p.deliverAll(ctx, due)

	var cycleErr error
	if ctx.Err() != nil {
		summary.Interrupted = true
		cycleErr = fmt.Errorf("poll cycle interrupted: %w", context.Cause(ctx))
	}

	storeCtx, cancelStore := context.WithTimeout(context.WithoutCancel(ctx), storeWriteTimeout)
	defer cancelStore()
	p.reconcile(storeCtx, outcomes, now, &summary)

	return p.finishCycle(summary, cycleErr)
}

// keepLease refreshes held every third of ttl until the returned stop func is
// called. A lease that is found lost cancels the cycle with lease.ErrLost.
func (p *Poller) keepLease(ctx context.Context, held lease.Lease, ttl time.Duration, cancelCycle context.CancelCauseFunc) (stop func()) {
	if ttl <= 0 {
		return func() {}
	}

	interval := ttl / 3
	if interval < minLeaseRefreshInterval {
		interval = minLeaseRefreshInterval
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			refreshCtx, cancel := context.WithTimeout(ctx, interval)
			err := held.Refresh(refreshCtx)
			cancel()

			switch {
			case err == nil:
			case errors.Is(err, lease.ErrLost):
				p.logger.Error("cycle lock lost, canceling poll cycle", zap.Duration("ttl", ttl))
				cancelCycle(lease.ErrLost)
				return
			case ctx.Err() != nil:
				return
			default:
				p.logger.Warn("failed to refresh cycle lock", zap.Error(err))
			}
		}
	}()

	return func() {
		close(done)
		wg.Wait()
	}
}

// fetchDue returns expired actives followed by due retries, each timer once.
func (p *Poller) fetchDue(ctx context.Context, now time.Time) ([]domain.TimerView, error) {
	expired, err := p.timers.GetExpiredActive(ctx, now, p.limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch expired timers: %w", err)
	}
	retries, err := p.timers.GetDueRetries(ctx, now, p.limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch due retries: %w", err)
	}

	seen := make(map[string]struct{}, len(expired)+len(retries))
	due := make([]domain.TimerView, 0, len(expired)+len(retries))
	for _, batch := range [][]domain.TimerView{expired, retries} {
		for _, timer := range batch {
			if _, ok := seen[timer.ID]; ok {
				continue
			}
			seen[timer.ID] = struct{}{}
			due = append(due, timer)
		}
	}
	return due, nil
}

// deliverAll fans deliveries out and returns once every attempt has settled.
func (p *Poller) deliverAll(ctx context.Context, due []domain.TimerView) []deliveryOutcome {
	outcomes := make([]deliveryOutcome, len(due))

	var g errgroup.Group
	g.SetLimit(p.concurrency)
	for i := range due {
		i := i
		g.Go(func() error {
			outcomes[i] = p.deliver(ctx, due[i])
			return nil
		})
	}
	_ = g.Wait()

	return outcomes
}

func (p *Poller) deliver(ctx context.Context, timer domain.TimerView) deliveryOutcome {
	outcome := deliveryOutcome{timer: timer}

	p.metrics.IncDeliveriesInFlight()
	defer p.metrics.DecDeliveriesInFlight()

	start := p.now()
	host := ratelimit.HostKey(timer.WebhookURL)
	if p.rateLimiter != nil {
		if err := p.rateLimiter.Wait(ctx, host); err != nil {
			limitErr := &delivery.DeliveryError{
				Kind:      delivery.KindRateLimited,
				Retryable: true,
				Message:   "rate limiter wait failed",
				Cause:     err,
			}
			var cooldown *ratelimit.CooldownError
			if errors.As(err, &cooldown) {
				limitErr.RetryAfter = cooldown.RetryAfter
			}
			outcome.err = limitErr
		}
	}

	if outcome.err == nil {
		payload := delivery.NewPayload(timer, p.now())
		outcome.response, outcome.err = p.client.Send(ctx, timer.WebhookURL, payload)

		if retryAfter := delivery.RetryAfterOf(outcome.err); retryAfter > 0 && p.rateLimiter != nil {
			if err := p.rateLimiter.Backoff(ctx, host, retryAfter); err != nil {
				p.logger.Warn("failed to apply receiver cooldown",
					zap.String("host", host),
					zap.Duration("retryAfter", retryAfter),
					zap.Error(err),
				)
			}
		}
	}
	elapsed := p.now().Sub(start)

	kind := ""
	if outcome.err != nil {
		kind = delivery.KindOf(outcome.err).String()
	}
	p.metrics.ObserveDelivery(kind, elapsed)
	p.recordAttempt(ctx, outcome, elapsed)

	return outcome
}

func (p *Poller) recordAttempt(ctx context.Context, outcome deliveryOutcome, elapsed time.Duration) {
	if p.attempts == nil {
		return
	}

	attempt := &domain.DeliveryAttempt{
		ID:            uuid.NewString(),
		TimerID:       outcome.timer.ID,
		TripID:        outcome.timer.TripID,
		AttemptNumber: outcome.timer.RetryCount + 1,
		DurationMs:    elapsed.Milliseconds(),
		CreatedAt:     p.now().UTC(),
	}
	if outcome.response != nil {
		code := outcome.response.StatusCode
		attempt.StatusCode = &code
	}
	if outcome.err != nil {
		msg := outcome.err.Error()
		kind := delivery.KindOf(outcome.err).String()
		attempt.Error = &msg
		attempt.ErrorKind = &kind
		if code := delivery.StatusCodeOf(outcome.err); code > 0 {
			attempt.StatusCode = &code
		}
	}

	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeWriteTimeout)
	defer cancel()

	if err := p.attempts.Create(recordCtx, attempt); err != nil {
		p.logger.Warn("failed to record delivery attempt",
			zap.String("tripId", outcome.timer.TripID),
			zap.String("timerId", outcome.timer.ID),
			zap.Error(err),
		)
	}
}

func (p *Poller) reconcile(ctx context.Context, outcomes []deliveryOutcome, now time.Time, summary *CycleSummary) {
	succeeded := make([]domain.TimerRef, 0, len(outcomes))
	failed := make([]deliveryOutcome, 0, len(outcomes))
	abandoned := 0
	for _, outcome := range outcomes {
		switch {
		case outcome.err == nil:
			succeeded = append(succeeded, outcome.timer.Ref())
		case summary.Interrupted && isCancellation(outcome.err):
			// Cut short by the cycle itself; the timer stays due for the next cycle.
			abandoned++
		default:
			failed = append(failed, outcome)
		}
	}
	summary.Failed = len(failed)
	summary.Skipped += abandoned
	if abandoned > 0 {
		p.logger.Warn("poll cycle interrupted, deliveries left for the next cycle",
			zap.Int("count", abandoned),
		)
	}

	if len(succeeded) > 0 {
		completed, err := p.timers.MarkCompleted(ctx, succeeded, now)
		if err != nil {
			summary.StoreErrors += len(succeeded)
			p.logger.Error("failed to mark timers completed",
				zap.Int("count", len(succeeded)),
				zap.Error(err),
			)
		} else {
			summary.Delivered = len(completed)
			summary.Skipped += len(succeeded) - len(completed)
			p.metrics.AddTimerTransitions(domain.TimerStatusCompleted.String(), len(completed))
			p.metrics.AddGuardMisses(domain.TimerStatusCompleted.String(), len(succeeded)-len(completed))
			for _, timer := range completed {
				p.publish(ctx, timer, domain.TimerStatusCompleted, "", now)
			}
		}
	}

	for _, outcome := range failed {
		p.reconcileFailure(ctx, outcome, now, summary)
	}
}

func (p *Poller) reconcileFailure(ctx context.Context, outcome deliveryOutcome, now time.Time, summary *CycleSummary) {
	timer := outcome.timer
	lastError := outcome.err.Error()
	logger := p.logger.With(
		zap.String("tripId", timer.TripID),
		zap.String("timerId", timer.ID),
		zap.Int("retryCount", timer.RetryCount),
		zap.String("errorKind", delivery.KindOf(outcome.err).String()),
	)

	delay, retryable := p.policy.NextDelay(timer.RetryCount)
	if retryAfter := delivery.RetryAfterOf(outcome.err); retryAfter > delay {
		delay = retryAfter
	}
	if retryable && delivery.IsRetryable(outcome.err) {
		nextRetryAt := now.Add(delay)
		applied, err := p.timers.ScheduleRetry(ctx, timer.Ref(), now, nextRetryAt, lastError)
		switch {
		case err != nil:
			summary.StoreErrors++
			logger.Error("failed to schedule retry", zap.Error(err))
		case !applied:
			summary.Skipped++
			p.metrics.AddGuardMisses(domain.TimerStatusPendingRetry.String(), 1)
			logger.Info("timer changed during delivery, retry not scheduled")
		default:
			summary.RetryScheduled++
			p.metrics.AddTimerTransitions(domain.TimerStatusPendingRetry.String(), 1)
			logger.Warn("webhook delivery failed, retry scheduled",
				zap.Time("nextRetryAt", nextRetryAt),
				zap.Error(outcome.err),
			)
		}
		return
	}

	applied, err := p.timers.MarkExpired(ctx, timer.Ref(), now, lastError)
	switch {
	case err != nil:
		summary.StoreErrors++
		logger.Error("failed to mark timer expired", zap.Error(err))
	case !applied:
		summary.Skipped++
		p.metrics.AddGuardMisses(domain.TimerStatusExpired.String(), 1)
		logger.Info("timer changed during delivery, expiry not applied")
	default:
		summary.Expired++
		p.metrics.AddTimerTransitions(domain.TimerStatusExpired.String(), 1)
		logger.Warn("webhook delivery failed, timer expired", zap.Error(outcome.err))
		p.publish(ctx, timer.Timer, domain.TimerStatusExpired, lastError, now)
	}
}

func isCancellation(err error) bool {
	return delivery.KindOf(err) == delivery.KindCanceled ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func (p *Poller) publish(ctx context.Context, timer domain.Timer, status domain.TimerStatus, lastError string, now time.Time) {
	event, err := queue.NewTimerEvent(timer, status, lastError, now)
	if err == nil {
		err = p.publisher.Publish(ctx, event)
	}
	if err != nil {
		p.logger.Warn("failed to publish timer event",
			zap.String("tripId", timer.TripID),
			zap.String("timerId", timer.ID),
			zap.String("status", status.String()),
			zap.Error(err),
		)
	}
}

func (p *Poller) finishCycle(summary CycleSummary, cycleErr error) (CycleSummary, error) {
	summary.FinishedAt = p.now().UTC()
	summary.AllDelivered = cycleErr == nil && summary.Delivered == summary.Due

	result := "ok"
	switch {
	case summary.Interrupted:
		result = "interrupted"
	case cycleErr != nil:
		result = "error"
	}
	p.metrics.ObservePollCycle(result, summary.Due, summary.FinishedAt.Sub(summary.StartedAt))

	p.mu.Lock()
	p.cyclesRun++
	finishedAt := summary.FinishedAt
	p.lastCycleAt = &finishedAt
	recorded := summary
	p.lastSummary = &recorded
	p.lastError = nil
	if cycleErr != nil {
		msg := cycleErr.Error()
		p.lastError = &msg
	}
	p.mu.Unlock()

	fields := []zap.Field{
		zap.Int("due", summary.Due),
		zap.Int("delivered", summary.Delivered),
		zap.Int("failed", summary.Failed),
		zap.Int("retryScheduled", summary.RetryScheduled),
		zap.Int("expired", summary.Expired),
		zap.Int("skipped", summary.Skipped),
		zap.Int("storeErrors", summary.StoreErrors),
		zap.Bool("allDelivered", summary.AllDelivered),
		zap.Duration("duration", summary.FinishedAt.Sub(summary.StartedAt)),
	}
	switch {
	case cycleErr != nil:
		p.logger.Error("poll cycle aborted", append(fields, zap.Error(cycleErr))...)
	case summary.Due == 0:
		p.logger.Debug("poll cycle finished, nothing due")
	default:
		p.logger.Info("poll cycle finished", fields...)
	}

	return summary, cycleErr
}
