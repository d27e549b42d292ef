package progress

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/MarkoPoloResearchLab/playledger/pkg/achievement"
)

// StartSession creates an active session for an instance and returns it with
// the current settings and data snapshot the client plays against.
func (service *Service) StartSession(ctx context.Context, instanceID InstanceID) (StartedSession, error) {
	var started StartedSession
	err := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		instance, err := service.activeInstance(ctx, transactionStore, instanceID)
		if err != nil {
			return err
		}
		sessionID, err := NewSessionID(uuid.NewString())
		if err != nil {
			return err
		}
		session := Session{
			SessionID:    sessionID,
			InstanceID:   instanceID,
			StartUnixUTC: service.nowFn(),
			Metrics:      achievement.Metrics{},
			State:        SessionActive,
			// Below any client sequence number, so a first batch sent
			// with seq 0 still applies.
			LastSeq: -1,
		}
		if err := transactionStore.InsertSession(ctx, session); err != nil {
			return err
		}
		snapshot, err := service.buildSnapshot(ctx, transactionStore, instanceID)
		if err != nil {
			return err
		}
		started = StartedSession{
			Session:  session,
			Settings: instance.Settings,
			Snapshot: snapshot,
		}
		return nil
	})
	return started, err
}

// RecordSessionEvents adds metric increments to an active session. Increments
// are keyed by a client-supplied sequence number: a batch with seq at or below
// the last applied one has already been counted and is skipped, so retried
// network calls cannot double count.
func (service *Service) RecordSessionEvents(ctx context.Context, sessionID SessionID, seq int64, increments achievement.Metrics) (Session, error) {
	var result Session
	err := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		session, err := transactionStore.GetSessionForUpdate(ctx, sessionID)
		if err != nil {
			return err
		}
		if session.State != SessionActive {
			return ErrSessionEnded
		}
		if seq <= session.LastSeq {
			result = session
			return nil
		}
		if session.Metrics == nil {
			session.Metrics = achievement.Metrics{}
		}
		for name, delta := range increments {
			session.Metrics[name] += delta
		}
		session.LastSeq = seq
		if err := transactionStore.SaveSession(ctx, session); err != nil {
			return err
		}
		result = session
		return nil
	})
	return result, err
}

// EndSession finalizes a session: duration is end minus start clamped at zero,
// instance aggregates are updated, achievements are evaluated against the
// final snapshot, and the daily rollup is recomputed from the day's ended
// sessions. Ending an already ended session returns the stored session.
func (service *Service) EndSession(ctx context.Context, sessionID SessionID, finalMetrics achievement.Metrics) (Session, error) {
	var result Session
	err := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		session, err := transactionStore.GetSessionForUpdate(ctx, sessionID)
		if err != nil {
			return err
		}
		if session.State == SessionEnded {
			result = session
			return nil
		}
		now := service.nowFn()
		duration := now - session.StartUnixUTC
		if duration < 0 {
			duration = 0
		}
		if session.Metrics == nil {
			session.Metrics = achievement.Metrics{}
		}
		for name, value := range finalMetrics {
			session.Metrics[name] = value
		}
		session.EndUnixUTC = now
		session.DurationSeconds = duration
		session.State = SessionEnded
		if err := transactionStore.SaveSession(ctx, session); err != nil {
			return err
		}

		instance, err := transactionStore.GetInstance(ctx, session.InstanceID)
		if err != nil {
			return err
		}
		instance.PlayTimeSeconds += duration
		instance.SessionCount++
		instance.LastPlayedUnixUTC = now
		if instance.FirstPlayedUnixUTC == 0 {
			instance.FirstPlayedUnixUTC = session.StartUnixUTC
		}
		if completion, ok := session.Metrics[MetricCompletionPercent]; ok {
			instance.CompletionPercent = clampPercent(completion, instance.CompletionPercent)
		}
		if err := transactionStore.UpdateInstance(ctx, instance); err != nil {
			return err
		}

		if err := service.evaluateAndCommit(ctx, transactionStore, instance, session.SessionID.String(), session.Metrics); err != nil {
			return err
		}
		if err := service.upsertRollup(ctx, transactionStore, instance, now); err != nil {
			return err
		}
		result = session
		return nil
	})
	return result, err
}

// MetricCompletionPercent is the session metric that feeds the instance's
// completion aggregate.
const MetricCompletionPercent = "completion_percent"

func clampPercent(value int64, current int64) int64 {
	if value < 0 {
		value = 0
	}
	if value > 100 {
		value = 100
	}
	// Completion only moves forward.
	if value < current {
		return current
	}
	return value
}

// upsertRollup recomputes the (child, game, day) aggregate from the day's
// ended sessions rather than accumulating increments, so replays are harmless.
func (service *Service) upsertRollup(ctx context.Context, transactionStore Store, instance Instance, nowUnixUTC int64) error {
	dayStart := time.Unix(nowUnixUTC, 0).UTC().Truncate(24 * time.Hour)
	dayEnd := dayStart.Add(24 * time.Hour)
	sessions, err := transactionStore.ListEndedSessions(ctx, instance.InstanceID, dayStart.Unix(), dayEnd.Unix())
	if err != nil {
		return err
	}
	rollup := DailyRollup{
		ChildID: instance.ChildID,
		GameID:  instance.GameID,
		Day:     dayStart.Format("2006-01-02"),
	}
	for _, session := range sessions {
		rollup.SessionCount++
		rollup.PlayTimeSeconds += session.DurationSeconds
	}
	return transactionStore.UpsertDailyRollup(ctx, rollup)
}
