package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/playledger/pkg/achievement"
	"github.com/MarkoPoloResearchLab/playledger/pkg/wallet"
)

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// WithLogger wires a zap logger; evaluation problems are reported through it.
func WithLogger(logger *zap.Logger) ServiceOption {
	return func(service *Service) {
		if logger != nil {
			service.logger = logger
		}
	}
}

// Service owns the versioned data store, the session tracker, and the atomic
// write+unlock+reward unit of work.
type Service struct {
	store       Store
	engine      *achievement.Engine
	wallet      *wallet.Service
	definitions DefinitionSource
	nowFn       func() int64
	logger      *zap.Logger
}

// NewService wires a Service.
func NewService(store Store, engine *achievement.Engine, walletService *wallet.Service, definitions DefinitionSource, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if engine == nil {
		return nil, fmt.Errorf("%w: achievement engine dependency is nil", ErrInvalidServiceConfig)
	}
	if walletService == nil {
		return nil, fmt.Errorf("%w: wallet dependency is nil", ErrInvalidServiceConfig)
	}
	if definitions == nil {
		return nil, fmt.Errorf("%w: definition source dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:       store,
		engine:      engine,
		wallet:      walletService,
		definitions: definitions,
		nowFn:       now,
		logger:      zap.NewNop(),
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// UnlockGame creates the (child, game) instance on first unlock. Unlocking an
// already unlocked game returns the existing instance unchanged.
func (service *Service) UnlockGame(ctx context.Context, childID ChildID, gameID GameID, settings json.RawMessage) (Instance, error) {
	var result Instance
	err := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		existing, err := transactionStore.GetInstanceByChildGame(ctx, childID, gameID)
		if err == nil {
			result = existing
			return nil
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}
		instanceID, err := NewInstanceID(uuid.NewString())
		if err != nil {
			return err
		}
		instance := Instance{
			InstanceID:        instanceID,
			ChildID:           childID,
			GameID:            gameID,
			Settings:          settings,
			UnlockedAtUnixUTC: service.nowFn(),
		}
		inserted, err := transactionStore.InsertInstance(ctx, instance)
		if err != nil {
			return err
		}
		if !inserted {
			// Lost a concurrent unlock race; the winner's row is the instance.
			existing, err = transactionStore.GetInstanceByChildGame(ctx, childID, gameID)
			if err != nil {
				return err
			}
			result = existing
			return nil
		}
		result = instance
		return nil
	})
	return result, err
}

// GetInstance returns the instance for an id.
func (service *Service) GetInstance(ctx context.Context, instanceID InstanceID) (Instance, error) {
	return service.store.GetInstance(ctx, instanceID)
}

// UpdateSettings replaces the instance settings and preferences blobs.
func (service *Service) UpdateSettings(ctx context.Context, instanceID InstanceID, settings json.RawMessage, preferences json.RawMessage) error {
	return service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		instance, err := service.activeInstance(ctx, transactionStore, instanceID)
		if err != nil {
			return err
		}
		instance.Settings = settings
		instance.Preferences = preferences
		return transactionStore.UpdateInstance(ctx, instance)
	})
}

// ArchiveInstance soft-archives an instance. Instances are never deleted.
func (service *Service) ArchiveInstance(ctx context.Context, instanceID InstanceID) error {
	return service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		instance, err := transactionStore.GetInstance(ctx, instanceID)
		if err != nil {
			return err
		}
		if instance.Archived() {
			return nil
		}
		instance.ArchivedAtUnixUTC = service.nowFn()
		return transactionStore.UpdateInstance(ctx, instance)
	})
}

// ReadData returns one record with its version.
func (service *Service) ReadData(ctx context.Context, instanceID InstanceID, key DataKey) (DataRecord, error) {
	return service.store.GetRecord(ctx, instanceID, key)
}

// ListData returns the instance's records, optionally filtered by key prefix.
func (service *Service) ListData(ctx context.Context, instanceID InstanceID, keyPrefix string) ([]DataRecord, error) {
	return service.store.ListRecords(ctx, instanceID, keyPrefix)
}

// WriteData performs a compare-and-swap write. expectedVersion 0 creates the
// record; a stale version fails with ErrVersionConflict and no side effect.
// Achievement evaluation runs against the post-write state and any unlock plus
// reward commits in the same transaction as the write.
func (service *Service) WriteData(ctx context.Context, instanceID InstanceID, key DataKey, expectedVersion Version, value DataValue) (Version, error) {
	var newVersion Version
	err := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		instance, err := service.activeInstance(ctx, transactionStore, instanceID)
		if err != nil {
			return err
		}
		newVersion, err = service.applyWrite(ctx, transactionStore, instanceID, KeyedWrite{Key: key, ExpectedVersion: expectedVersion, Value: value})
		if err != nil {
			return err
		}
		return service.evaluateAndCommit(ctx, transactionStore, instance, "", nil)
	})
	if err != nil {
		return 0, err
	}
	return newVersion, nil
}

// WriteBatch applies several compare-and-swap writes atomically within one
// instance: the first conflict aborts the whole batch.
func (service *Service) WriteBatch(ctx context.Context, instanceID InstanceID, writes []KeyedWrite) ([]Version, error) {
	versions := make([]Version, 0, len(writes))
	err := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		versions = versions[:0]
		instance, err := service.activeInstance(ctx, transactionStore, instanceID)
		if err != nil {
			return err
		}
		for _, write := range writes {
			version, err := service.applyWrite(ctx, transactionStore, instanceID, write)
			if err != nil {
				return err
			}
			versions = append(versions, version)
		}
		return service.evaluateAndCommit(ctx, transactionStore, instance, "", nil)
	})
	if err != nil {
		return nil, err
	}
	return versions, nil
}

// DeleteData removes one record.
func (service *Service) DeleteData(ctx context.Context, instanceID InstanceID, key DataKey) error {
	return service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if _, err := transactionStore.GetInstance(ctx, instanceID); err != nil {
			return err
		}
		return transactionStore.DeleteRecord(ctx, instanceID, key)
	})
}

// EraseInstanceData removes every record of an instance. This is the
// full-erasure path used by child-data deletion.
func (service *Service) EraseInstanceData(ctx context.Context, instanceID InstanceID) (int64, error) {
	var deleted int64
	err := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if _, err := transactionStore.GetInstance(ctx, instanceID); err != nil {
			return err
		}
		var err error
		deleted, err = transactionStore.DeleteInstanceRecords(ctx, instanceID)
		return err
	})
	return deleted, err
}

func (service *Service) activeInstance(ctx context.Context, transactionStore Store, instanceID InstanceID) (Instance, error) {
	instance, err := transactionStore.GetInstance(ctx, instanceID)
	if err != nil {
		return Instance{}, err
	}
	if instance.Archived() {
		return Instance{}, ErrInstanceArchived
	}
	return instance, nil
}

func (service *Service) applyWrite(ctx context.Context, transactionStore Store, instanceID InstanceID, write KeyedWrite) (Version, error) {
	now := service.nowFn()
	if write.ExpectedVersion == 0 {
		record := DataRecord{
			InstanceID:     instanceID,
			Key:            write.Key,
			Value:          write.Value,
			Version:        1,
			CreatedUnixUTC: now,
			UpdatedUnixUTC: now,
		}
		if err := transactionStore.InsertRecord(ctx, record); err != nil {
			return 0, err
		}
		return 1, nil
	}
	return transactionStore.UpdateRecordCAS(ctx, instanceID, write.Key, write.ExpectedVersion, write.Value, now)
}

// evaluateAndCommit is the write+unlock+reward unit of work. It runs inside
// the caller's transaction; unlock rows are guarded by the (instance,
// achievement) uniqueness constraint, so the loser of a concurrent race
// observes "already unlocked" and grants no second reward. Evaluation
// problems are logged and read as "no unlock" - they never fail the write.
func (service *Service) evaluateAndCommit(ctx context.Context, transactionStore Store, instance Instance, sessionID string, metrics achievement.Metrics) error {
	definitions, err := service.definitions.DefinitionsForGame(ctx, instance.GameID)
	if err != nil {
		service.logger.Warn("achievement definitions unavailable",
			zap.String("game_id", instance.GameID.String()),
			zap.Error(err))
		return nil
	}
	if len(definitions) == 0 {
		return nil
	}
	unlocked, err := transactionStore.ListUnlockedIDs(ctx, instance.InstanceID)
	if err != nil {
		return err
	}
	snapshot, err := service.buildSnapshot(ctx, transactionStore, instance.InstanceID)
	if err != nil {
		return err
	}
	evaluation := service.engine.Evaluate(definitions, unlocked, snapshot, metrics)
	for _, problem := range evaluation.Problems {
		service.logger.Warn("achievement criterion skipped",
			zap.String("achievement_id", problem.AchievementID),
			zap.String("instance_id", instance.InstanceID.String()),
			zap.Error(problem.Err))
	}
	for _, decision := range evaluation.Unlocks {
		inserted, err := transactionStore.InsertUnlock(ctx, achievement.Unlock{
			InstanceID:        instance.InstanceID.String(),
			AchievementID:     decision.AchievementID,
			SessionID:         sessionID,
			UnlockedAtUnixUTC: service.nowFn(),
		})
		if err != nil {
			return err
		}
		if !inserted || decision.Reward == nil {
			continue
		}
		if err := service.creditReward(ctx, transactionStore, instance.ChildID, decision); err != nil {
			return err
		}
	}
	return nil
}

func (service *Service) creditReward(ctx context.Context, transactionStore Store, childID ChildID, decision achievement.UnlockDecision) error {
	walletChildID, err := wallet.NewChildID(childID.String())
	if err != nil {
		return err
	}
	currencyID, err := wallet.NewCurrencyID(decision.Reward.CurrencyID)
	if err != nil {
		return err
	}
	amount, err := wallet.NewAmount(decision.Reward.Amount)
	if err != nil {
		return err
	}
	source, err := wallet.NewSource(wallet.SourceAchievementReward, decision.AchievementID)
	if err != nil {
		return err
	}
	_, err = service.wallet.CreditTx(ctx, transactionStore.Wallet(), walletChildID, currencyID, amount, source)
	return err
}

func (service *Service) buildSnapshot(ctx context.Context, transactionStore Store, instanceID InstanceID) (achievement.Snapshot, error) {
	records, err := transactionStore.ListRecords(ctx, instanceID, "")
	if err != nil {
		return nil, err
	}
	snapshot := make(achievement.Snapshot, len(records))
	for _, record := range records {
		snapshot[record.Key.String()] = record.Value.Raw()
	}
	return snapshot, nil
}
