package badger

import (
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/k2pweb/internal/common"
	"github.com/ternarybob/k2pweb/internal/interfaces"
)

// Manager wires the per-entity storages over a single Badger connection.
type Manager struct {
	db         *BadgerDB
	jobStorage interfaces.JobStorage
	logger     arbor.ILogger
}

// NewManager opens the database and initializes the storages.
func NewManager(cfg *common.Config, logger arbor.ILogger) (*Manager, error) {
	db, err := NewBadgerDB(logger, &cfg.Storage.Badger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize badger: %w", err)
	}

	return &Manager{
		db:         db,
		jobStorage: NewJobStorage(db, logger),
		logger:     logger,
	}, nil
}

// JobStorage returns the job store.
func (m *Manager) JobStorage() interfaces.JobStorage {
	return m.jobStorage
}

// Close closes the underlying database.
func (m *Manager) Close() error {
	m.logger.Debug().Msg("Closing storage manager")
	return m.db.Close()
}
