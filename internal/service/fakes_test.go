package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/trip-gateway/internal/delivery"
	"github.com/kursadbilgin/trip-gateway/internal/domain"
	"github.com/kursadbilgin/trip-gateway/internal/lease"
	"github.com/kursadbilgin/trip-gateway/internal/queue"
	"github.com/kursadbilgin/trip-gateway/internal/ratelimit"
	"github.com/kursadbilgin/trip-gateway/internal/repository"
)

type fakeTimerRepo struct {
	startOrRestartFn   func(ctx context.Context, params domain.StartTimerParams, now time.Time) (*domain.Timer, bool, error)
	cancelFn           func(ctx context.Context, tripID string) (bool, error)
	getByTripIDFn      func(ctx context.Context, tripID string) (*domain.TimerView, error)
	listAllFn          func(ctx context.Context) ([]domain.TimerView, error)
	getExpiredActiveFn func(ctx context.Context, now time.Time, limit int) ([]domain.TimerView, error)
	getDueRetriesFn    func(ctx context.Context, now time.Time, limit int) ([]domain.TimerView, error)
	markCompletedFn    func(ctx context.Context, refs []domain.TimerRef, now time.Time) ([]domain.Timer, error)
	scheduleRetryFn    func(ctx context.Context, ref domain.TimerRef, now, nextRetryAt time.Time, lastError string) (bool, error)
	markExpiredFn      func(ctx context.Context, ref domain.TimerRef, now time.Time, lastError string) (bool, error)
}

var _ repository.TimerRepository = (*fakeTimerRepo)(nil)

func (f *fakeTimerRepo) StartOrRestart(ctx context.Context, params domain.StartTimerParams, now time.Time) (*domain.Timer, bool, error) {
	if f.startOrRestartFn != nil {
		return f.startOrRestartFn(ctx, params, now)
	}
	return &domain.Timer{ID: uuid.NewString(), TripID: params.TripID, Status: domain.TimerStatusActive}, false, nil
}

func (f *fakeTimerRepo) Cancel(ctx context.Context, tripID string) (bool, error) {
	if f.cancelFn != nil {
		return f.cancelFn(ctx, tripID)
	}
	return false, nil
}

func (f *fakeTimerRepo) GetByTripID(ctx context.Context, tripID string) (*domain.TimerView, error) {
	if f.getByTripIDFn != nil {
		return f.getByTripIDFn(ctx, tripID)
	}
	return nil, domain.ErrNotFound
}

func (f *fakeTimerRepo) ListAll(ctx context.Context) ([]domain.TimerView, error) {
	if f.listAllFn != nil {
		return f.listAllFn(ctx)
	}
	return nil, nil
}

func (f *fakeTimerRepo) GetExpiredActive(ctx context.Context, now time.Time, limit int) ([]domain.TimerView, error) {
	if f.getExpiredActiveFn != nil {
		return f.getExpiredActiveFn(ctx, now, limit)
	}
	return nil, nil
}

func (f *fakeTimerRepo) GetDueRetries(ctx context.Context, now time.Time, limit int) ([]domain.TimerView, error) {
	if f.getDueRetriesFn != nil {
		return f.getDueRetriesFn(ctx, now, limit)
	}
	return nil, nil
}

func (f *fakeTimerRepo) MarkCompleted(ctx context.Context, refs []domain.TimerRef, now time.Time) ([]domain.Timer, error) {
	if f.markCompletedFn != nil {
		return f.markCompletedFn(ctx, refs, now)
	}
	return nil, nil
}

func (f *fakeTimerRepo) ScheduleRetry(ctx context.Context, ref domain.TimerRef, now time.Time, nextRetryAt time.Time, lastError string) (bool, error) {
	if f.scheduleRetryFn != nil {
		return f.scheduleRetryFn(ctx, ref, now, nextRetryAt, lastError)
	}
	return true, nil
}

func (f *fakeTimerRepo) MarkExpired(ctx context.Context, ref domain.TimerRef, now time.Time, lastError string) (bool, error) {
	if f.markExpiredFn != nil {
		return f.markExpiredFn(ctx, ref, now, lastError)
	}
	return true, nil
}

// memoryTimerRepo is an in-memory timer store with the same guard semantics
// as the gorm implementation.
type memoryTimerRepo struct {
	mu     sync.Mutex
	timers map[string]*domain.Timer
	phones map[string]string
}

var _ repository.TimerRepository = (*memoryTimerRepo)(nil)

func newMemoryTimerRepo() *memoryTimerRepo {
	return &memoryTimerRepo{
		timers: make(map[string]*domain.Timer),
		phones: make(map[string]string),
	}
}

func (r *memoryTimerRepo) liveLocked(tripID string) *domain.Timer {
	for _, timer := range r.timers {
		if timer.TripID == tripID && timer.Status.IsLive() {
			return timer
		}
	}
	return nil
}

func (r *memoryTimerRepo) viewLocked(timer *domain.Timer) domain.TimerView {
	view := domain.TimerView{Timer: *timer}
	if timer.SenderID != nil {
		if phone, ok := r.phones[*timer.SenderID]; ok {
			view.SenderPhone = &phone
		}
	}
	return view
}

func (r *memoryTimerRepo) StartOrRestart(ctx context.Context, params domain.StartTimerParams, now time.Time) (*domain.Timer, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if live := r.liveLocked(params.TripID); live != nil {
		live.WebhookURL = params.WebhookURL
		live.SenderID = params.SenderID
		live.Deadline = params.Deadline
		live.Status = domain.TimerStatusActive
		live.RetryCount = 0
		live.LastRetryAt = nil
		live.NextRetryAt = nil
		live.LastError = nil
		live.Revision++
		live.UpdatedAt = now
		copied := *live
		return &copied, true, nil
	}

	timer := &domain.Timer{
		ID:         uuid.NewString(),
		TripID:     params.TripID,
		WebhookURL: params.WebhookURL,
		SenderID:   params.SenderID,
		Deadline:   params.Deadline,
		Status:     domain.TimerStatusActive,
		Revision:   1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	r.timers[timer.ID] = timer
	copied := *timer
	return &copied, false, nil
}

func (r *memoryTimerRepo) Cancel(ctx context.Context, tripID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	live := r.liveLocked(tripID)
	if live == nil {
		return false, nil
	}
	delete(r.timers, live.ID)
	return true, nil
}

func (r *memoryTimerRepo) GetByTripID(ctx context.Context, tripID string) (*domain.TimerView, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var latest *domain.Timer
	for _, timer := range r.timers {
		if timer.TripID != tripID {
			continue
		}
		if timer.Status.IsLive() {
			latest = timer
			break
		}
		if latest == nil || timer.CreatedAt.After(latest.CreatedAt) {
			latest = timer
		}
	}
	if latest == nil {
		return nil, domain.ErrNotFound
	}
	view := r.viewLocked(latest)
	return &view, nil
}

func (r *memoryTimerRepo) ListAll(ctx context.Context) ([]domain.TimerView, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	views := make([]domain.TimerView, 0, len(r.timers))
	for _, timer := range r.timers {
		views = append(views, r.viewLocked(timer))
	}
	sort.Slice(views, func(i, j int) bool { return views[i].Deadline.Before(views[j].Deadline) })
	return views, nil
}

func (r *memoryTimerRepo) GetExpiredActive(ctx context.Context, now time.Time, limit int) ([]domain.TimerView, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	views := make([]domain.TimerView, 0)
	for _, timer := range r.timers {
		if timer.Status == domain.TimerStatusActive && !timer.Deadline.After(now) {
			views = append(views, r.viewLocked(timer))
		}
	}
	return views, nil
}

func (r *memoryTimerRepo) GetDueRetries(ctx context.Context, now time.Time, limit int) ([]domain.TimerView, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	views := make([]domain.TimerView, 0)
	for _, timer := range r.timers {
		if timer.Status == domain.TimerStatusPendingRetry && timer.NextRetryAt != nil && !timer.NextRetryAt.After(now) {
			views = append(views, r.viewLocked(timer))
		}
	}
	return views, nil
}

func (r *memoryTimerRepo) guardLocked(ref domain.TimerRef) *domain.Timer {
	timer, ok := r.timers[ref.ID]
	if !ok || timer.Revision != ref.Revision || !timer.Status.IsLive() {
		return nil
	}
	return timer
}

func (r *memoryTimerRepo) MarkCompleted(ctx context.Context, refs []domain.TimerRef, now time.Time) ([]domain.Timer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	completed := make([]domain.Timer, 0, len(refs))
	for _, ref := range refs {
		timer := r.guardLocked(ref)
		if timer == nil {
			continue
		}
		timer.Status = domain.TimerStatusCompleted
		timer.NextRetryAt = nil
		timer.LastError = nil
		timer.Revision++
		timer.UpdatedAt = now
		completed = append(completed, *timer)
	}
	return completed, nil
}

func (r *memoryTimerRepo) ScheduleRetry(ctx context.Context, ref domain.TimerRef, now time.Time, nextRetryAt time.Time, lastError string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	timer := r.guardLocked(ref)
	if timer == nil {
		return false, nil
	}
	lastRetryAt := now
	timer.Status = domain.TimerStatusPendingRetry
	timer.RetryCount++
	timer.LastRetryAt = &lastRetryAt
	timer.NextRetryAt = &nextRetryAt
	timer.LastError = &lastError
	timer.Revision++
	timer.UpdatedAt = now
	return true, nil
}

func (r *memoryTimerRepo) MarkExpired(ctx context.Context, ref domain.TimerRef, now time.Time, lastError string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	timer := r.guardLocked(ref)
	if timer == nil {
		return false, nil
	}
	timer.Status = domain.TimerStatusExpired
	timer.NextRetryAt = nil
	timer.LastError = &lastError
	timer.Revision++
	timer.UpdatedAt = now
	return true, nil
}

func (r *memoryTimerRepo) liveCount(tripID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0
	for _, timer := range r.timers {
		if timer.TripID == tripID && timer.Status.IsLive() {
			count++
		}
	}
	return count
}

type fakeAttemptRepo struct {
	mu       sync.Mutex
	created  []domain.DeliveryAttempt
	createFn func(ctx context.Context, a *domain.DeliveryAttempt) error
	listFn   func(ctx context.Context, tripID string) ([]domain.DeliveryAttempt, error)
}

func (f *fakeAttemptRepo) Create(ctx context.Context, a *domain.DeliveryAttempt) error {
	if f.createFn != nil {
		if err := f.createFn(ctx, a); err != nil {
			return err
		}
	}
	f.mu.Lock()
	f.created = append(f.created, *a)
	f.mu.Unlock()
	return nil
}

func (f *fakeAttemptRepo) ListByTripID(ctx context.Context, tripID string) ([]domain.DeliveryAttempt, error) {
	if f.listFn != nil {
		return f.listFn(ctx, tripID)
	}
	return nil, nil
}

func (f *fakeAttemptRepo) all() []domain.DeliveryAttempt {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.DeliveryAttempt(nil), f.created...)
}

type fakeUserRepo struct {
	createFn  func(ctx context.Context, u *domain.User) error
	getByIDFn func(ctx context.Context, id string) (*domain.User, error)
}

func (f *fakeUserRepo) Create(ctx context.Context, u *domain.User) error {
	if f.createFn != nil {
		return f.createFn(ctx, u)
	}
	return nil
}

func (f *fakeUserRepo) GetByID(ctx context.Context, id string) (*domain.User, error) {
	if f.getByIDFn != nil {
		return f.getByIDFn(ctx, id)
	}
	return nil, domain.ErrNotFound
}

type fakeDeliveryClient struct {
	mu     sync.Mutex
	calls  []delivery.Payload
	sendFn func(ctx context.Context, webhookURL string, payload delivery.Payload) (*delivery.Response, error)
}

func (f *fakeDeliveryClient) Send(ctx context.Context, webhookURL string, payload delivery.Payload) (*delivery.Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, payload)
	f.mu.Unlock()

	if f.sendFn != nil {
		return f.sendFn(ctx, webhookURL, payload)
	}
	return &delivery.Response{StatusCode: 200}, nil
}

func (f *fakeDeliveryClient) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakePublisher struct {
	mu        sync.Mutex
	events    []queue.TimerEvent
	publishFn func(ctx context.Context, event queue.TimerEvent) error
}

func (f *fakePublisher) Publish(ctx context.Context, event queue.TimerEvent) error {
	if f.publishFn != nil {
		if err := f.publishFn(ctx, event); err != nil {
			return err
		}
	}
	f.mu.Lock()
	f.events = append(f.events, event)
	f.mu.Unlock()
	return nil
}

func (f *fakePublisher) Close() error { return nil }

func (f *fakePublisher) all() []queue.TimerEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]queue.TimerEvent(nil), f.events...)
}

type fakeRateLimiter struct {
	waitFn func(ctx context.Context, key string) error

	mu       sync.Mutex
	backoffs map[string]time.Duration
}

func (f *fakeRateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	return true, nil
}

func (f *fakeRateLimiter) Wait(ctx context.Context, key string) error {
	if f.waitFn != nil {
		return f.waitFn(ctx, key)
	}
	return nil
}

func (f *fakeRateLimiter) Backoff(ctx context.Context, key string, d time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.backoffs == nil {
		f.backoffs = make(map[string]time.Duration)
	}
	f.backoffs[key] = d
	return nil
}

func (f *fakeRateLimiter) backoffFor(key string) time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.backoffs[key]
}

var _ ratelimit.RateLimiter = (*fakeRateLimiter)(nil)

type fakeCycleLock struct {
	ttl          time.Duration
	tryAcquireFn func(ctx context.Context) (lease.Lease, bool, error)
}

func (f *fakeCycleLock) TryAcquire(ctx context.Context) (lease.Lease, bool, error) {
	if f.tryAcquireFn != nil {
		return f.tryAcquireFn(ctx)
	}
	return &fakeLease{}, true, nil
}

func (f *fakeCycleLock) TTL() time.Duration { return f.ttl }

var _ lease.Locker = (*fakeCycleLock)(nil)

type fakeLease struct {
	refreshFn func(ctx context.Context) error

	mu        sync.Mutex
	refreshes int
	releases  int
}

func (f *fakeLease) Refresh(ctx context.Context) error {
	f.mu.Lock()
	f.refreshes++
	f.mu.Unlock()

	if f.refreshFn != nil {
		return f.refreshFn(ctx)
	}
	return nil
}

func (f *fakeLease) Release(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releases++
	return nil
}

func (f *fakeLease) released() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.releases
}
