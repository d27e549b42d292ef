package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MarkoPoloResearchLab/playledger/pkg/achievement"
	"github.com/MarkoPoloResearchLab/playledger/pkg/progress"
)

func (store *Store) InsertInstance(ctx context.Context, instance progress.Instance) (bool, error) {
	model := GameInstance{
		InstanceID:        instance.InstanceID.String(),
		ChildID:           instance.ChildID.String(),
		GameID:            instance.GameID.String(),
		Settings:          datatypesJSON(instance.Settings),
		Preferences:       datatypesJSON(instance.Preferences),
		UnlockedAt:        time.Unix(instance.UnlockedAtUnixUTC, 0).UTC(),
		PlayTimeSeconds:   instance.PlayTimeSeconds,
		SessionCount:      instance.SessionCount,
		CompletionPercent: instance.CompletionPercent,
	}
	// Insert-if-absent instead of catching the unique violation: an errored
	// statement would abort the surrounding postgres transaction.
	result := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&model)
	if result.Error != nil {
		return false, wrapProgressError(errorSubjectInstance, errorCodeCreate, result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (store *Store) GetInstance(ctx context.Context, instanceID progress.InstanceID) (progress.Instance, error) {
	var model GameInstance
	err := store.db.WithContext(ctx).
		Where("instance_id = ?", instanceID.String()).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return progress.Instance{}, wrapProgressError(errorSubjectInstance, errorCodeGet, progress.ErrNotFound)
	}
	if err != nil {
		return progress.Instance{}, wrapProgressError(errorSubjectInstance, errorCodeGet, err)
	}
	return mapInstance(model)
}

func (store *Store) GetInstanceByChildGame(ctx context.Context, childID progress.ChildID, gameID progress.GameID) (progress.Instance, error) {
	var model GameInstance
	err := store.db.WithContext(ctx).
		Where("child_id = ? AND game_id = ?", childID.String(), gameID.String()).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return progress.Instance{}, wrapProgressError(errorSubjectInstance, errorCodeGet, progress.ErrNotFound)
	}
	if err != nil {
		return progress.Instance{}, wrapProgressError(errorSubjectInstance, errorCodeGet, err)
	}
	return mapInstance(model)
}

func (store *Store) UpdateInstance(ctx context.Context, instance progress.Instance) error {
	var firstPlayed, lastPlayed, archived *time.Time
	if instance.FirstPlayedUnixUTC != 0 {
		value := time.Unix(instance.FirstPlayedUnixUTC, 0).UTC()
		firstPlayed = &value
	}
	if instance.LastPlayedUnixUTC != 0 {
		value := time.Unix(instance.LastPlayedUnixUTC, 0).UTC()
		lastPlayed = &value
	}
	if instance.ArchivedAtUnixUTC != 0 {
		value := time.Unix(instance.ArchivedAtUnixUTC, 0).UTC()
		archived = &value
	}
	result := store.db.WithContext(ctx).
		Model(&GameInstance{}).
		Where("instance_id = ?", instance.InstanceID.String()).
		Updates(map[string]interface{}{
			"settings":           datatypesJSON(instance.Settings),
			"preferences":        datatypesJSON(instance.Preferences),
			"first_played_at":    firstPlayed,
			"last_played_at":     lastPlayed,
			"play_time_seconds":  instance.PlayTimeSeconds,
			"session_count":      instance.SessionCount,
			"completion_percent": instance.CompletionPercent,
			"archived_at":        archived,
		})
	if result.Error != nil {
		return wrapProgressError(errorSubjectInstance, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapProgressError(errorSubjectInstance, errorCodeUpdate, progress.ErrNotFound)
	}
	return nil
}

func (store *Store) GetRecord(ctx context.Context, instanceID progress.InstanceID, key progress.DataKey) (progress.DataRecord, error) {
	var model GameDataRecord
	err := store.db.WithContext(ctx).
		Where("instance_id = ? AND data_key = ?", instanceID.String(), key.String()).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return progress.DataRecord{}, wrapProgressError(errorSubjectRecord, errorCodeGet, progress.ErrNotFound)
	}
	if err != nil {
		return progress.DataRecord{}, wrapProgressError(errorSubjectRecord, errorCodeGet, err)
	}
	return mapRecord(model)
}

func (store *Store) InsertRecord(ctx context.Context, record progress.DataRecord) error {
	model := GameDataRecord{
		InstanceID: record.InstanceID.String(),
		DataKey:    record.Key.String(),
		Value:      datatypesJSON(record.Value.Raw()),
		Version:    int64(record.Version),
		CreatedAt:  time.Unix(record.CreatedUnixUTC, 0).UTC(),
		UpdatedAt:  time.Unix(record.UpdatedUnixUTC, 0).UTC(),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		// The record exists, so a create-if-absent write lost the race.
		return wrapProgressError(errorSubjectRecord, errorCodeInsert, progress.ErrVersionConflict)
	}
	if err != nil {
		return wrapProgressError(errorSubjectRecord, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) UpdateRecordCAS(ctx context.Context, instanceID progress.InstanceID, key progress.DataKey, expectedVersion progress.Version, value progress.DataValue, atUnixUTC int64) (progress.Version, error) {
	result := store.db.WithContext(ctx).
		Model(&GameDataRecord{}).
		Where("instance_id = ? AND data_key = ? AND version = ?", instanceID.String(), key.String(), int64(expectedVersion)).
		Updates(map[string]interface{}{
			"value":      datatypesJSON(value.Raw()),
			"version":    gorm.Expr("version + 1"),
			"updated_at": time.Unix(atUnixUTC, 0).UTC(),
		})
	if result.Error != nil {
		return 0, wrapProgressError(errorSubjectRecord, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		var count int64
		err := store.db.WithContext(ctx).
			Model(&GameDataRecord{}).
			Where("instance_id = ? AND data_key = ?", instanceID.String(), key.String()).
			Count(&count).Error
		if err != nil {
			return 0, wrapProgressError(errorSubjectRecord, errorCodeUpdate, err)
		}
		if count == 0 {
			return 0, wrapProgressError(errorSubjectRecord, errorCodeUpdate, progress.ErrNotFound)
		}
		return 0, wrapProgressError(errorSubjectRecord, errorCodeUpdate, progress.ErrVersionConflict)
	}
	return expectedVersion + 1, nil
}

func (store *Store) ListRecords(ctx context.Context, instanceID progress.InstanceID, keyPrefix string) ([]progress.DataRecord, error) {
	query := store.db.WithContext(ctx).
		Where("instance_id = ?", instanceID.String())
	if keyPrefix != "" {
		// sqlite has no default LIKE escape character, so the clause has to
		// name one for the escaping to apply on both backends.
		query = query.Where(`data_key LIKE ? ESCAPE '\'`, escapeLike(keyPrefix)+"%")
	}
	var rows []GameDataRecord
	if err := query.Order("data_key").Find(&rows).Error; err != nil {
		return nil, wrapProgressError(errorSubjectRecord, errorCodeList, err)
	}
	records := make([]progress.DataRecord, 0, len(rows))
	for _, row := range rows {
		record, err := mapRecord(row)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

func (store *Store) DeleteRecord(ctx context.Context, instanceID progress.InstanceID, key progress.DataKey) error {
	result := store.db.WithContext(ctx).
		Where("instance_id = ? AND data_key = ?", instanceID.String(), key.String()).
		Delete(&GameDataRecord{})
	if result.Error != nil {
		return wrapProgressError(errorSubjectRecord, errorCodeDelete, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapProgressError(errorSubjectRecord, errorCodeDelete, progress.ErrNotFound)
	}
	return nil
}

func (store *Store) DeleteInstanceRecords(ctx context.Context, instanceID progress.InstanceID) (int64, error) {
	result := store.db.WithContext(ctx).
		Where("instance_id = ?", instanceID.String()).
		Delete(&GameDataRecord{})
	if result.Error != nil {
		return 0, wrapProgressError(errorSubjectRecord, errorCodeDelete, result.Error)
	}
	return result.RowsAffected, nil
}

func (store *Store) InsertSession(ctx context.Context, session progress.Session) error {
	metrics, err := marshalMetrics(session.Metrics)
	if err != nil {
		return wrapProgressError(errorSubjectSession, errorCodeInvalid, err)
	}
	model := GameSession{
		SessionID:       session.SessionID.String(),
		InstanceID:      session.InstanceID.String(),
		StartedAt:       time.Unix(session.StartUnixUTC, 0).UTC(),
		DurationSeconds: session.DurationSeconds,
		Metrics:         metrics,
		State:           string(session.State),
		LastSeq:         session.LastSeq,
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return wrapProgressError(errorSubjectSession, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) GetSessionForUpdate(ctx context.Context, sessionID progress.SessionID) (progress.Session, error) {
	var model GameSession
	err := store.withLock(store.db.WithContext(ctx)).
		Where("session_id = ?", sessionID.String()).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return progress.Session{}, wrapProgressError(errorSubjectSession, errorCodeGet, progress.ErrNotFound)
	}
	if err != nil {
		return progress.Session{}, wrapProgressError(errorSubjectSession, errorCodeGet, err)
	}
	return mapSession(model)
}

func (store *Store) SaveSession(ctx context.Context, session progress.Session) error {
	metrics, err := marshalMetrics(session.Metrics)
	if err != nil {
		return wrapProgressError(errorSubjectSession, errorCodeInvalid, err)
	}
	var endedAt *time.Time
	if session.EndUnixUTC != 0 {
		value := time.Unix(session.EndUnixUTC, 0).UTC()
		endedAt = &value
	}
	result := store.db.WithContext(ctx).
		Model(&GameSession{}).
		Where("session_id = ?", session.SessionID.String()).
		Updates(map[string]interface{}{
			"ended_at":         endedAt,
			"duration_seconds": session.DurationSeconds,
			"metrics":          metrics,
			"state":            string(session.State),
			"last_seq":         session.LastSeq,
		})
	if result.Error != nil {
		return wrapProgressError(errorSubjectSession, errorCodeSave, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapProgressError(errorSubjectSession, errorCodeSave, progress.ErrNotFound)
	}
	return nil
}

func (store *Store) ListEndedSessions(ctx context.Context, instanceID progress.InstanceID, fromUnixUTC int64, toUnixUTC int64) ([]progress.Session, error) {
	from := time.Unix(fromUnixUTC, 0).UTC()
	to := time.Unix(toUnixUTC, 0).UTC()
	var rows []GameSession
	err := store.db.WithContext(ctx).
		Where("instance_id = ? AND state = ?", instanceID.String(), string(progress.SessionEnded)).
		Where("ended_at >= ? AND ended_at < ?", from, to).
		Find(&rows).Error
	if err != nil {
		return nil, wrapProgressError(errorSubjectSession, errorCodeList, err)
	}
	sessions := make([]progress.Session, 0, len(rows))
	for _, row := range rows {
		session, err := mapSession(row)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, nil
}

func (store *Store) UpsertDailyRollup(ctx context.Context, rollup progress.DailyRollup) error {
	model := DailyPlayRollup{
		ChildID:         rollup.ChildID.String(),
		GameID:          rollup.GameID.String(),
		Day:             rollup.Day,
		SessionCount:    rollup.SessionCount,
		PlayTimeSeconds: rollup.PlayTimeSeconds,
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "child_id"}, {Name: "game_id"}, {Name: "day"}},
			DoUpdates: clause.AssignmentColumns([]string{"session_count", "play_time_seconds"}),
		}).
		Create(&model).Error
	if err != nil {
		return wrapProgressError(errorSubjectRollup, errorCodeUpsert, err)
	}
	return nil
}

func (store *Store) InsertUnlock(ctx context.Context, unlock achievement.Unlock) (bool, error) {
	var sessionID *string
	if unlock.SessionID != "" {
		value := unlock.SessionID
		sessionID = &value
	}
	model := AchievementUnlock{
		InstanceID:    unlock.InstanceID,
		AchievementID: unlock.AchievementID,
		SessionID:     sessionID,
		UnlockedAt:    time.Unix(unlock.UnlockedAtUnixUTC, 0).UTC(),
	}
	// The race loser must keep its transaction alive, so the duplicate is
	// skipped at the statement level rather than caught as an error.
	result := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&model)
	if result.Error != nil {
		return false, wrapProgressError(errorSubjectUnlock, errorCodeInsert, result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (store *Store) ListUnlockedIDs(ctx context.Context, instanceID progress.InstanceID) (map[string]struct{}, error) {
	var ids []string
	err := store.db.WithContext(ctx).
		Model(&AchievementUnlock{}).
		Where("instance_id = ?", instanceID.String()).
		Pluck("achievement_id", &ids).Error
	if err != nil {
		return nil, wrapProgressError(errorSubjectUnlock, errorCodeList, err)
	}
	unlocked := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		unlocked[id] = struct{}{}
	}
	return unlocked, nil
}

// DefinitionsForGame resolves the enabled achievement definitions for a game,
// satisfying progress.DefinitionSource.
func (store *Store) DefinitionsForGame(ctx context.Context, gameID progress.GameID) ([]achievement.Definition, error) {
	var rows []AchievementDefinition
	err := store.db.WithContext(ctx).
		Where("game_id = ? AND enabled = ?", gameID.String(), true).
		Find(&rows).Error
	if err != nil {
		return nil, wrapProgressError(errorSubjectDefs, errorCodeList, err)
	}
	definitions := make([]achievement.Definition, 0, len(rows))
	for _, row := range rows {
		definition := achievement.Definition{
			AchievementID: row.AchievementID,
			Kind:          achievement.CriterionKind(row.Kind),
			Params:        json.RawMessage(row.Params),
		}
		if row.RewardCurrencyID != "" && row.RewardAmount > 0 {
			definition.Reward = &achievement.Reward{
				CurrencyID: row.RewardCurrencyID,
				Amount:     row.RewardAmount,
			}
		}
		definitions = append(definitions, definition)
	}
	return definitions, nil
}

// UpsertDefinition installs or replaces one achievement definition for a game.
func (store *Store) UpsertDefinition(ctx context.Context, gameID progress.GameID, definition achievement.Definition, enabled bool) error {
	model := AchievementDefinition{
		GameID:        gameID.String(),
		AchievementID: definition.AchievementID,
		Kind:          string(definition.Kind),
		Params:        datatypesJSON(definition.Params),
		Enabled:       enabled,
	}
	if definition.Reward != nil {
		model.RewardCurrencyID = definition.Reward.CurrencyID
		model.RewardAmount = definition.Reward.Amount
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "game_id"}, {Name: "achievement_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"kind", "params", "reward_currency_id", "reward_amount", "enabled"}),
		}).
		Create(&model).Error
	if err != nil {
		return wrapProgressError(errorSubjectDefs, errorCodeUpsert, err)
	}
	return nil
}

func mapInstance(model GameInstance) (progress.Instance, error) {
	instanceID, err := progress.NewInstanceID(model.InstanceID)
	if err != nil {
		return progress.Instance{}, wrapProgressError(errorSubjectInstance, errorCodeInvalid, err)
	}
	childID, err := progress.NewChildID(model.ChildID)
	if err != nil {
		return progress.Instance{}, wrapProgressError(errorSubjectInstance, errorCodeInvalid, err)
	}
	gameID, err := progress.NewGameID(model.GameID)
	if err != nil {
		return progress.Instance{}, wrapProgressError(errorSubjectInstance, errorCodeInvalid, err)
	}
	return progress.Instance{
		InstanceID:         instanceID,
		ChildID:            childID,
		GameID:             gameID,
		Settings:           json.RawMessage(model.Settings),
		Preferences:        json.RawMessage(model.Preferences),
		UnlockedAtUnixUTC:  model.UnlockedAt.Unix(),
		FirstPlayedUnixUTC: timeOrZero(model.FirstPlayedAt),
		LastPlayedUnixUTC:  timeOrZero(model.LastPlayedAt),
		PlayTimeSeconds:    model.PlayTimeSeconds,
		SessionCount:       model.SessionCount,
		CompletionPercent:  model.CompletionPercent,
		ArchivedAtUnixUTC:  timeOrZero(model.ArchivedAt),
	}, nil
}

func mapRecord(model GameDataRecord) (progress.DataRecord, error) {
	instanceID, err := progress.NewInstanceID(model.InstanceID)
	if err != nil {
		return progress.DataRecord{}, wrapProgressError(errorSubjectRecord, errorCodeInvalid, err)
	}
	key, err := progress.NewDataKey(model.DataKey)
	if err != nil {
		return progress.DataRecord{}, wrapProgressError(errorSubjectRecord, errorCodeInvalid, err)
	}
	value, err := progress.NewDataValue([]byte(model.Value))
	if err != nil {
		return progress.DataRecord{}, wrapProgressError(errorSubjectRecord, errorCodeInvalid, err)
	}
	return progress.DataRecord{
		InstanceID:     instanceID,
		Key:            key,
		Value:          value,
		Version:        progress.Version(model.Version),
		CreatedUnixUTC: model.CreatedAt.Unix(),
		UpdatedUnixUTC: model.UpdatedAt.Unix(),
	}, nil
}

func mapSession(model GameSession) (progress.Session, error) {
	sessionID, err := progress.NewSessionID(model.SessionID)
	if err != nil {
		return progress.Session{}, wrapProgressError(errorSubjectSession, errorCodeInvalid, err)
	}
	instanceID, err := progress.NewInstanceID(model.InstanceID)
	if err != nil {
		return progress.Session{}, wrapProgressError(errorSubjectSession, errorCodeInvalid, err)
	}
	var metrics achievement.Metrics
	if len(model.Metrics) > 0 {
		if err := json.Unmarshal(model.Metrics, &metrics); err != nil {
			return progress.Session{}, wrapProgressError(errorSubjectSession, errorCodeInvalid, err)
		}
	}
	if metrics == nil {
		metrics = achievement.Metrics{}
	}
	return progress.Session{
		SessionID:       sessionID,
		InstanceID:      instanceID,
		StartUnixUTC:    model.StartedAt.Unix(),
		EndUnixUTC:      timeOrZero(model.EndedAt),
		DurationSeconds: model.DurationSeconds,
		Metrics:         metrics,
		State:           progress.SessionState(model.State),
		LastSeq:         model.LastSeq,
	}, nil
}

func marshalMetrics(metrics achievement.Metrics) (datatypes.JSON, error) {
	if metrics == nil {
		metrics = achievement.Metrics{}
	}
	raw, err := json.Marshal(metrics)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(raw), nil
}

func timeOrZero(value *time.Time) int64 {
	if value == nil {
		return 0
	}
	return value.Unix()
}

func escapeLike(value string) string {
	replacer := strings.NewReplacer("%", `\%`, "_", `\_`)
	return replacer.Replace(value)
}

func wrapProgressError(subject string, code string, err error) error {
	return progress.WrapError(errorOperationStore, subject, code, err)
}
