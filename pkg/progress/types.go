package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/MarkoPoloResearchLab/playledger/pkg/achievement"
	"github.com/MarkoPoloResearchLab/playledger/pkg/wallet"
)

// InstanceID identifies one (child, game) pairing.
type InstanceID struct {
	value string
}

// ChildID identifies the owning child.
type ChildID struct {
	value string
}

// GameID identifies a game definition.
type GameID struct {
	value string
}

// SessionID identifies one play session.
type SessionID struct {
	value string
}

// DataKey names one record in an instance's key/value state.
type DataKey struct {
	value string
}

// Version is the optimistic-concurrency counter on a data record.
// Zero means "create if absent" when passed as an expected version.
type Version int64

// DataValue is an opaque JSON blob. The engine never interprets it; schema
// validation belongs to game-specific plugins at the edges.
type DataValue struct {
	raw json.RawMessage
}

// SessionState is the session lifecycle tag.
type SessionState string

const (
	SessionActive SessionState = "active"
	SessionEnded  SessionState = "ended"
)

// Instance is one child's progress in one game. Created on first unlock,
// never deleted; archival is a soft flag.
type Instance struct {
	InstanceID         InstanceID
	ChildID            ChildID
	GameID             GameID
	Settings           json.RawMessage
	Preferences        json.RawMessage
	UnlockedAtUnixUTC  int64
	FirstPlayedUnixUTC int64
	LastPlayedUnixUTC  int64
	PlayTimeSeconds    int64
	SessionCount       int64
	CompletionPercent  int64
	ArchivedAtUnixUTC  int64
}

// Archived reports whether the instance has been soft-archived.
func (instance Instance) Archived() bool {
	return instance.ArchivedAtUnixUTC != 0
}

// DataRecord is one versioned key/value row.
type DataRecord struct {
	InstanceID     InstanceID
	Key            DataKey
	Value          DataValue
	Version        Version
	CreatedUnixUTC int64
	UpdatedUnixUTC int64
}

// KeyedWrite is one element of an all-or-nothing batch write.
type KeyedWrite struct {
	Key             DataKey
	ExpectedVersion Version
	Value           DataValue
}

// Session is one play session. Active sessions accumulate metrics; an ended
// session is immutable apart from the final metrics write that ended it.
type Session struct {
	SessionID       SessionID
	InstanceID      InstanceID
	StartUnixUTC    int64
	EndUnixUTC      int64
	DurationSeconds int64
	Metrics         achievement.Metrics
	State           SessionState
	LastSeq         int64
}

// StartedSession bundles a new session with the state snapshot loaded for it.
type StartedSession struct {
	Session  Session
	Settings json.RawMessage
	Snapshot achievement.Snapshot
}

// DailyRollup is the per-(child, game, day) aggregate, recomputed from that
// day's ended sessions so replayed EndSession calls cannot double count.
type DailyRollup struct {
	ChildID         ChildID
	GameID          GameID
	Day             string // YYYY-MM-DD, UTC
	SessionCount    int64
	PlayTimeSeconds int64
}

// NewInstanceID validates and normalizes an instance id.
func NewInstanceID(raw string) (InstanceID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return InstanceID{}, fmt.Errorf("%w: empty value", ErrInvalidInstanceID)
	}
	return InstanceID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id InstanceID) String() string {
	return id.value
}

// NewChildID validates and normalizes a child id.
func NewChildID(raw string) (ChildID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ChildID{}, fmt.Errorf("%w: empty value", ErrInvalidChildID)
	}
	return ChildID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id ChildID) String() string {
	return id.value
}

// NewGameID validates and normalizes a game id.
func NewGameID(raw string) (GameID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return GameID{}, fmt.Errorf("%w: empty value", ErrInvalidGameID)
	}
	return GameID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id GameID) String() string {
	return id.value
}

// NewSessionID validates and normalizes a session id.
func NewSessionID(raw string) (SessionID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return SessionID{}, fmt.Errorf("%w: empty value", ErrInvalidSessionID)
	}
	return SessionID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id SessionID) String() string {
	return id.value
}

// NewDataKey validates and normalizes a data key.
func NewDataKey(raw string) (DataKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return DataKey{}, fmt.Errorf("%w: empty value", ErrInvalidDataKey)
	}
	return DataKey{value: trimmed}, nil
}

// String returns the normalized key.
func (key DataKey) String() string {
	return key.value
}

// NewDataValue validates a value blob (defaulting to JSON null for empty input).
func NewDataValue(raw []byte) (DataValue, error) {
	if len(raw) == 0 {
		raw = []byte("null")
	}
	if !json.Valid(raw) {
		return DataValue{}, fmt.Errorf("%w: must be valid json", ErrInvalidDataValue)
	}
	return DataValue{raw: json.RawMessage(raw)}, nil
}

// Raw returns the stored JSON blob.
func (value DataValue) Raw() json.RawMessage {
	return value.raw
}

// DefinitionSource resolves the externally configured achievement definitions
// for a game.
type DefinitionSource interface {
	DefinitionsForGame(ctx context.Context, gameID GameID) ([]achievement.Definition, error)
}

// Store is the persistence contract used by Service. WithTx yields a tx-bound
// store; Wallet exposes the ledger store bound to the same transaction so
// achievement reward credits commit atomically with the triggering write.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error

	InsertInstance(ctx context.Context, instance Instance) (bool, error)
	GetInstance(ctx context.Context, instanceID InstanceID) (Instance, error)
	GetInstanceByChildGame(ctx context.Context, childID ChildID, gameID GameID) (Instance, error)
	UpdateInstance(ctx context.Context, instance Instance) error

	GetRecord(ctx context.Context, instanceID InstanceID, key DataKey) (DataRecord, error)
	InsertRecord(ctx context.Context, record DataRecord) error
	UpdateRecordCAS(ctx context.Context, instanceID InstanceID, key DataKey, expectedVersion Version, value DataValue, atUnixUTC int64) (Version, error)
	ListRecords(ctx context.Context, instanceID InstanceID, keyPrefix string) ([]DataRecord, error)
	DeleteRecord(ctx context.Context, instanceID InstanceID, key DataKey) error
	DeleteInstanceRecords(ctx context.Context, instanceID InstanceID) (int64, error)

	InsertSession(ctx context.Context, session Session) error
	GetSessionForUpdate(ctx context.Context, sessionID SessionID) (Session, error)
	SaveSession(ctx context.Context, session Session) error
	ListEndedSessions(ctx context.Context, instanceID InstanceID, fromUnixUTC int64, toUnixUTC int64) ([]Session, error)
	UpsertDailyRollup(ctx context.Context, rollup DailyRollup) error

	InsertUnlock(ctx context.Context, unlock achievement.Unlock) (bool, error)
	ListUnlockedIDs(ctx context.Context, instanceID InstanceID) (map[string]struct{}, error)

	Wallet() wallet.Store
}
