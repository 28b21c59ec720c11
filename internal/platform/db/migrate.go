package db

import (
	"gorm.io/gorm"

	types "github.com/noetl/noetl/internal/domain"
)

func AutoMigrateAll(db *gorm.DB) error {
	return db.AutoMigrate(

		// Catalog
		&types.Playbook{},

		// Execution core: event log is the source of truth, the execution
		// row carries the derived status for cheap lookups.
		&types.Execution{},
		&types.Event{},

		// Durable queue
		&types.QueueJob{},

		// Per-execution scratchpad
		&types.TransientVar{},

		// Secrets (AEAD-encrypted at rest)
		&types.Credential{},
	)
}
