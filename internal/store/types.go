package store

import (
	"github.com/felixgeelhaar/medmem/internal/ledger"
)

// Storage is a durable ledger backend that also keeps key/value settings.
type Storage interface {
	ledger.Backend

	// Configuration Management
	SetConfig(key, value string) error
	GetConfig(key string) (string, error)
}

// Kind names a storage engine.
type Kind string

const (
	KindSQLite Kind = "sqlite"
	KindBadger Kind = "badger"
)
