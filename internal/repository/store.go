package repository

import (
	"context"

	"gorm.io/gorm"
)

// Store bundles every repository over one handle, so services can run a
// multi-table change inside a single transaction.
type Store struct {
	DB            *gorm.DB
	Users         *UserRepository
	Queue         *QueueRepository
	Matches       *MatchRepository
	Sessions      *SessionRepository
	Chat          *ChatRepository
	Notifications *NotificationRepository
	Activity      *ActivityRepository
	Connections   *ConnectionRepository
	Reports       *ReportRepository
}

func NewStore(database *gorm.DB) *Store {
	return &Store{
		DB:            database,
		Users:         NewUserRepository(database),
		Queue:         NewQueueRepository(database),
		Matches:       NewMatchRepository(database),
		Sessions:      NewSessionRepository(database),
		Chat:          NewChatRepository(database),
		Notifications: NewNotificationRepository(database),
		Activity:      NewActivityRepository(database),
		Connections:   NewConnectionRepository(database),
		Reports:       NewReportRepository(database),
	}
}

// Tx runs fn with a Store bound to one transaction. Returning an error rolls back everything.
func (s *Store) Tx(ctx context.Context, fn func(tx *Store) error) error {
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(NewStore(tx))
	})
}
