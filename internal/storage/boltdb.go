package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/okkerhart/printwatch/internal/types"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

const (
	printersBucket = "printers"
	routerBucket   = "router"

	printerListKey  = "list"
	scheduleKey     = "next_refresh"
	infoBudgetKey   = "info_budget"
)

// BoltStorageInterface defines the methods for BoltStorage
type BoltStorageInterface interface {
	SavePrinters(printers []types.PrinterEndpoint) error
	LoadPrinters() ([]types.PrinterEndpoint, error)
	SaveSchedule(due time.Time) error
	LoadSchedule() (time.Time, error)
	SaveInfoBudget(day string, used int) error
	LoadInfoBudget() (string, int, error)
	Close() error
}

// BoltStorage implements the durable local cache using BoltDB. The printer
// list written here is what a companion device reads back at startup when the
// primary device is unreachable.
type BoltStorage struct {
	db     *bbolt.DB
	logger *zap.Logger
}

// StorageConfig holds configuration for BoltStorage initialization
type StorageConfig struct {
	DBPath string
	Logger *zap.Logger
}

// NewBoltStorage creates a new BoltStorage instance
func NewBoltStorage(config StorageConfig) (*BoltStorage, error) {
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := bbolt.Open(config.DBPath, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range []string{printersBucket, routerBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(bucket)); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	storage := &BoltStorage{
		db:     db,
		logger: logger.With(zap.String("component", "storage")),
	}

	storage.logger.Debug("BoltStorage initialized", zap.String("db_path", config.DBPath))

	return storage, nil
}

// SavePrinters persists the full ordered printer list. Called on every
// successful registry mutation so the list survives process restart.
func (s *BoltStorage) SavePrinters(printers []types.PrinterEndpoint) error {
	encoded, err := json.Marshal(printers)
	if err != nil {
		return fmt.Errorf("failed to marshal printer list: %w", err)
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(printersBucket))
		return b.Put([]byte(printerListKey), encoded)
	})
	if err != nil {
		return fmt.Errorf("failed to save printer list: %w", err)
	}

	s.logger.Debug("Printer list persisted", zap.Int("count", len(printers)))
	return nil
}

// LoadPrinters reads back the persisted printer list. Returns an empty list
// when nothing has been stored yet.
func (s *BoltStorage) LoadPrinters() ([]types.PrinterEndpoint, error) {
	var printers []types.PrinterEndpoint

	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(printersBucket))
		v := b.Get([]byte(printerListKey))
		if v == nil {
			return nil
		}
		if err := json.Unmarshal(v, &printers); err != nil {
			return fmt.Errorf("failed to unmarshal printer list: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load printer list: %w", err)
	}

	return printers, nil
}

// SaveSchedule persists the due time of the pending background refresh.
func (s *BoltStorage) SaveSchedule(due time.Time) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(routerBucket))
		if due.IsZero() {
			return b.Delete([]byte(scheduleKey))
		}
		return b.Put([]byte(scheduleKey), []byte(due.UTC().Format(time.RFC3339Nano)))
	})
}

// LoadSchedule returns the persisted refresh due time, or the zero time when
// no refresh is pending.
func (s *BoltStorage) LoadSchedule() (time.Time, error) {
	var due time.Time

	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(routerBucket))
		v := b.Get([]byte(scheduleKey))
		if v == nil {
			return nil
		}
		parsed, err := time.Parse(time.RFC3339Nano, string(v))
		if err != nil {
			return fmt.Errorf("failed to parse schedule: %w", err)
		}
		due = parsed
		return nil
	})
	if err != nil {
		return time.Time{}, err
	}

	return due, nil
}

type infoBudgetRecord struct {
	Day  string `json:"day"`
	Used int    `json:"used"`
}

// SaveInfoBudget persists the low-priority channel's per-day usage counter.
func (s *BoltStorage) SaveInfoBudget(day string, used int) error {
	encoded, err := json.Marshal(infoBudgetRecord{Day: day, Used: used})
	if err != nil {
		return fmt.Errorf("failed to marshal info budget: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(routerBucket))
		return b.Put([]byte(infoBudgetKey), encoded)
	})
}

// LoadInfoBudget reads back the per-day usage counter.
func (s *BoltStorage) LoadInfoBudget() (string, int, error) {
	var record infoBudgetRecord

	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(routerBucket))
		v := b.Get([]byte(infoBudgetKey))
		if v == nil {
			return nil
		}
		return json.Unmarshal(v, &record)
	})
	if err != nil {
		return "", 0, fmt.Errorf("failed to load info budget: %w", err)
	}

	return record.Day, record.Used, nil
}

// Close closes the database connection
func (s *BoltStorage) Close() error {
	return s.db.Close()
}
