package service_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/trip-gateway/internal/delivery"
	"github.com/kursadbilgin/trip-gateway/internal/domain"
	"github.com/kursadbilgin/trip-gateway/internal/infra/postgresql/migrations"
	"github.com/kursadbilgin/trip-gateway/internal/repository"
	"github.com/kursadbilgin/trip-gateway/internal/retry"
	"github.com/kursadbilgin/trip-gateway/internal/service"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newIntegrationDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_loc=UTC", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                 logger.Default.LogMode(logger.Silent),
		SkipDefaultTransaction: true,
	})
	if err != nil {
		t.Fatalf("gorm.Open() error = %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db.DB() error = %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := migrations.Migrate(db); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	return db
}

func TestPollerDeliversThroughStoreAndWebhook(t *testing.T) {
	t.Parallel()

	var (
		mu       sync.Mutex
		received []delivery.Payload
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload delivery.Payload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		mu.Lock()
		received = append(received, payload)
		mu.Unlock()

		if payload.TripID == "T-fail" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(server.Close)

	db := newIntegrationDB(t)
	timers := repository.NewGormTimerRepo(db)
	attempts := repository.NewGormAttemptRepo(db)
	users := repository.NewGormUserRepo(db)

	timerService, err := service.NewTimerService(timers, attempts, users, nil)
	if err != nil {
		t.Fatalf("NewTimerService() error = %v", err)
	}
	ctx := context.Background()

	phone := "+15550100"
	sender, err := timerService.CreateUser(ctx, "Ada", &phone)
	if err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}

	for _, tripID := range []string{"T1", "T-fail"} {
		_, _, err := timerService.StartOrRestart(ctx, service.StartTimerRequest{
			TripID:     tripID,
			WebhookURL: server.URL + "/hook",
			SenderID:   &sender.ID,
			Duration:   "1s",
		})
		if err != nil {
			t.Fatalf("StartOrRestart(%s) error = %v", tripID, err)
		}
	}

	poller, err := service.NewPoller(
		timers,
		attempts,
		delivery.NewWebhookClient(5*time.Second, ""),
		retry.DefaultPolicy(),
		service.PollerConfig{Concurrency: 2},
		nil,
	)
	if err != nil {
		t.Fatalf("NewPoller() error = %v", err)
	}

	// Deadlines are one second out; wait them out on the wall clock.
	time.Sleep(1100 * time.Millisecond)

	summary, err := poller.TriggerOnce(ctx)
	if err != nil {
		t.Fatalf("TriggerOnce() error = %v", err)
	}
	if summary.Due != 2 || summary.Delivered != 1 || summary.RetryScheduled != 1 {
		t.Fatalf("summary = %+v", summary)
	}

	done, err := timerService.GetByTripID(ctx, "T1")
	if err != nil {
		t.Fatalf("GetByTripID() error = %v", err)
	}
	if done.Status != domain.TimerStatusCompleted {
		t.Fatalf("T1 status = %s, want completed", done.Status)
	}

	failed, err := timerService.GetByTripID(ctx, "T-fail")
	if err != nil {
		t.Fatalf("GetByTripID() error = %v", err)
	}
	if failed.Status != domain.TimerStatusPendingRetry || failed.RetryCount != 1 || failed.NextRetryAt == nil {
		t.Fatalf("T-fail = %+v", failed.Timer)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 2 {
		t.Fatalf("webhooks received = %d, want 2", len(received))
	}
	for _, payload := range received {
		if payload.PhoneNumber == nil || *payload.PhoneNumber != phone {
			t.Fatalf("phoneNumber = %v, want %s", payload.PhoneNumber, phone)
		}
	}

	log, err := timerService.ListAttempts(ctx, "T-fail")
	if err != nil {
		t.Fatalf("ListAttempts() error = %v", err)
	}
	if len(log) != 1 || log[0].StatusCode == nil || *log[0].StatusCode != http.StatusInternalServerError {
		t.Fatalf("attempts = %+v", log)
	}
}
