// Package audit persists pool events into an embedded sqlite database so
// operators can reconstruct what the pool did after the fact. Write
// failures are logged and swallowed; auditing never takes the pool down.
package audit

import (
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/amphibian-ai/amphibian/types"
)

// PoolEvent is one audited event row.
type PoolEvent struct {
	ID         uint      `gorm:"primaryKey"`
	Kind       string    `gorm:"index"`
	DeviceID   string    `gorm:"index"`
	Capability string    `gorm:"column:capability"`
	TaskID     string    `gorm:"index"`
	Reason     string    `gorm:"column:reason"`
	OccurredAt int64     `gorm:"index"` // unix milliseconds
	CreatedAt  time.Time
}

// Store writes pool events to sqlite.
type Store struct {
	db   *gorm.DB
	log  *zap.Logger
	subs []string
	bus  *types.EventBus
}

// Open creates (or migrates) the audit database at path. ":memory:" gives
// an ephemeral store.
func Open(path string, zl *zap.Logger) (*Store, error) {
	if zl == nil {
		zl = zap.NewNop()
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, types.NewError(types.ErrIntegrity, "open audit database").WithCause(err)
	}
	if err := db.AutoMigrate(&PoolEvent{}); err != nil {
		return nil, types.NewError(types.ErrIntegrity, "migrate audit schema").WithCause(err)
	}
	return &Store{
		db:  db,
		log: zl.With(zap.String("component", "audit")),
	}, nil
}

// Attach subscribes the store to every event kind on the bus. Call
// Detach (or Close) to stop.
func (s *Store) Attach(bus *types.EventBus) {
	s.bus = bus
	s.subs = bus.SubscribeAll(func(ev types.Event) {
		s.Record(ev)
	})
}

// Detach removes the bus subscriptions.
func (s *Store) Detach() {
	if s.bus == nil {
		return
	}
	for _, id := range s.subs {
		s.bus.Unsubscribe(id)
	}
	s.subs = nil
	s.bus = nil
}

// Record writes one event row. Failures are logged, not returned; audit
// writes must never fail the caller.
func (s *Store) Record(ev types.Event) {
	row := PoolEvent{
		Kind:       string(ev.Kind),
		OccurredAt: ev.OccurredAt.UnixMilli(),
	}
	if ev.Device != nil {
		row.DeviceID = ev.Device.DeviceID
		row.Capability = ev.Device.Capability
		row.Reason = ev.Device.Reason
	}
	if ev.Task != nil {
		row.TaskID = ev.Task.TaskID
		row.Reason = ev.Task.Reason
	}
	if ev.Fallback != nil {
		row.Reason = ev.Fallback.Reason
	}
	if err := s.db.Create(&row).Error; err != nil {
		s.log.Warn("audit write failed", zap.String("kind", row.Kind), zap.Error(err))
	}
}

// ByTask returns all events for a task, oldest first.
func (s *Store) ByTask(taskID string) ([]PoolEvent, error) {
	var rows []PoolEvent
	err := s.db.Where("task_id = ?", taskID).Order("occurred_at asc, id asc").Find(&rows).Error
	if err != nil {
		return nil, types.NewError(types.ErrIntegrity, "query audit by task").WithCause(err)
	}
	return rows, nil
}

// Recent returns the newest events, newest first.
func (s *Store) Recent(limit int) ([]PoolEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []PoolEvent
	err := s.db.Order("occurred_at desc, id desc").Limit(limit).Find(&rows).Error
	if err != nil {
		return nil, types.NewError(types.ErrIntegrity, "query recent audit events").WithCause(err)
	}
	return rows, nil
}

// Close detaches from the bus and closes the database.
func (s *Store) Close() error {
	s.Detach()
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
