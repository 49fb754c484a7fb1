package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/trip-gateway/internal/repository"
	"gorm.io/gorm"
)

func createTimersTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000001_create_timers",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.TimerModel{}); err != nil {
				return err
			}
			// At most one live timer per trip.
			return execAll(tx, []string{
				`CREATE UNIQUE INDEX IF NOT EXISTS idx_timers_live_trip ON timers (trip_id) WHERE status IN ('active', 'pending_retry')`,
				`CREATE INDEX IF NOT EXISTS idx_timers_active_deadline ON timers (deadline) WHERE status = 'active'`,
				`CREATE INDEX IF NOT EXISTS idx_timers_retry_due ON timers (next_retry_at) WHERE status = 'pending_retry'`,
			})
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.TimerModel{})
		},
	}
}
