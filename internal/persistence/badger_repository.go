package persistence

import (
	"encoding/json"
	"errors"
	"fmt"

	"spot-grid-bot-go/internal/models"

	"github.com/dgraph-io/badger/v3"
	"go.uber.org/zap"
)

// badgerRepository is the BadgerDB implementation of the StateRepository.
type badgerRepository struct {
	db       *badger.DB
	symbol   string
	stateKey []byte
}

// badgerLogger forwards Badger's warnings and errors to zap and drops its chatter.
type badgerLogger struct {
	s *zap.SugaredLogger
}

func (l badgerLogger) Errorf(f string, v ...interface{})   { l.s.Errorf(f, v...) }
func (l badgerLogger) Warningf(f string, v ...interface{}) { l.s.Warnf(f, v...) }
func (l badgerLogger) Infof(string, ...interface{})        {}
func (l badgerLogger) Debugf(string, ...interface{})       {}

// NewBadgerRepository opens (or creates) the state database under dbPath.
// Each symbol is stored under its own key, so several bots may share one directory.
func NewBadgerRepository(dbPath, symbol string, logger *zap.Logger) (StateRepository, error) {
	opts := badger.DefaultOptions(dbPath)
	opts.Logger = badgerLogger{s: logger.Named("badger").Sugar()}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open state db %s: %w", dbPath, err)
	}

	return &badgerRepository{
		db:       db,
		symbol:   symbol,
		stateKey: []byte("grid_state/" + symbol),
	}, nil
}

// SaveState atomically saves the snapshot.
// It marshals the state struct into JSON and stores it under the symbol's key.
func (r *badgerRepository) SaveState(state *models.BotState) error {
	if state == nil {
		return errors.New("cannot save nil state")
	}
	if state.Symbol != "" && state.Symbol != r.symbol {
		return fmt.Errorf("state for %s cannot be saved in the %s repository", state.Symbol, r.symbol)
	}
	toSave := cloneState(state)
	toSave.Symbol = r.symbol
	if toSave.Version == 0 {
		toSave.Version = StateVersion
	}

	data, err := json.Marshal(toSave)
	if err != nil {
		return err
	}

	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Set(r.stateKey, data)
	})
}

// LoadState loads the snapshot from storage.
// If the key is not found, it returns (nil, nil) to indicate no state is present.
func (r *badgerRepository) LoadState() (*models.BotState, error) {
	var state models.BotState

	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(r.stateKey)
		if err != nil {
			return err
		}

		return item.Value(func(val []byte) error {
			if len(val) == 0 {
				return errors.New("state value is empty in database")
			}
			return json.Unmarshal(val, &state)
		})
	})

	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load state for %s: %w", r.symbol, err)
	}
	if err := checkVersion(&state); err != nil {
		return nil, fmt.Errorf("state version %d: %w", state.Version, err)
	}
	return &state, nil
}

// Close gracefully closes the connection to the database.
func (r *badgerRepository) Close() error {
	return r.db.Close()
}
