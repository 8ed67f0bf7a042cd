// Package retained persists small pieces of keyboard state that must
// survive restarts, such as the function lock toggle and the bonded host.
package retained

import (
	"encoding/json"
	"fmt"

	"github.com/dgraph-io/badger"
	"go.uber.org/zap"
)

type DB struct {
	log *zap.Logger
	db  *badger.DB
}

func Open(log *zap.Logger, path string) (*DB, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = badgerLogger{l: log.Named("badger")}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open retained state db: %w", err)
	}
	return &DB{log: log, db: db}, nil
}

type badgerLogger struct {
	l *zap.Logger
}

func (l badgerLogger) Errorf(msg string, args ...any) {
	l.l.Error(fmt.Sprintf(msg, args...))
}

func (l badgerLogger) Warningf(msg string, args ...any) {
	l.l.Warn(fmt.Sprintf(msg, args...))
}

func (l badgerLogger) Infof(msg string, args ...any) {
	l.l.Info(fmt.Sprintf(msg, args...))
}

func (l badgerLogger) Debugf(msg string, args ...any) {
	l.l.Debug(fmt.Sprintf(msg, args...))
}

func (d *DB) Close() error {
	return d.db.Close()
}

// PutJSON stores a JSON encoded value under key.
func (d *DB) PutJSON(key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	err = d.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
	if err != nil {
		return fmt.Errorf("failed to store %s: %w", key, err)
	}
	return nil
}

// GetJSON loads the value stored under key. It reports false when nothing is
// stored yet.
func (d *DB) GetJSON(key string, value any) (bool, error) {
	var data []byte
	err := d.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if err == badger.ErrKeyNotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to load %s: %w", key, err)
	}
	if err := json.Unmarshal(data, value); err != nil {
		return false, fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return true, nil
}

// Delete removes the value stored under key.
func (d *DB) Delete(key string) error {
	err := d.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

const keyFuncLock = "funclock"

// SaveFuncLock implements the function lock store of the keyboard core.
func (d *DB) SaveFuncLock(on bool) error {
	return d.PutJSON(keyFuncLock, on)
}

func (d *DB) LoadFuncLock() (bool, bool, error) {
	var on bool
	found, err := d.GetJSON(keyFuncLock, &on)
	return on, found, err
}
