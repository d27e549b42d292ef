package progress

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/MarkoPoloResearchLab/playledger/pkg/achievement"
	"github.com/MarkoPoloResearchLab/playledger/pkg/wallet"
)

func TestWriteDataCreatesAtVersionOne(test *testing.T) {
	test.Parallel()
	fixture := newFixture(test)
	instance := fixture.mustUnlock(test, "child-1", "game-1")

	version, err := fixture.service.WriteData(context.Background(), instance.InstanceID, mustDataKey(test, "progress"), 0, mustDataValue(test, `{"level":1}`))
	if err != nil {
		test.Fatalf("write: %v", err)
	}
	if version != 1 {
		test.Fatalf("expected version 1, got %d", version)
	}
	record, err := fixture.service.ReadData(context.Background(), instance.InstanceID, mustDataKey(test, "progress"))
	if err != nil {
		test.Fatalf("read: %v", err)
	}
	if record.Version != 1 || string(record.Value.Raw()) != `{"level":1}` {
		test.Fatalf("unexpected record: %+v", record)
	}
}

func TestWriteDataVersionAdvancesThenStaleConflicts(test *testing.T) {
	test.Parallel()
	fixture := newFixture(test)
	instance := fixture.mustUnlock(test, "child-2", "game-1")
	key := mustDataKey(test, "progress")

	for expected := Version(0); expected < 3; expected++ {
		if _, err := fixture.service.WriteData(context.Background(), instance.InstanceID, key, expected, mustDataValue(test, `{}`)); err != nil {
			test.Fatalf("write at %d: %v", expected, err)
		}
	}
	// Stored version is now 3: a write expecting 3 succeeds with 4.
	version, err := fixture.service.WriteData(context.Background(), instance.InstanceID, key, 3, mustDataValue(test, `{"v":4}`))
	if err != nil {
		test.Fatalf("write: %v", err)
	}
	if version != 4 {
		test.Fatalf("expected version 4, got %d", version)
	}
	// Repeating the same expectedVersion is stale and must not write.
	_, err = fixture.service.WriteData(context.Background(), instance.InstanceID, key, 3, mustDataValue(test, `{"v":"lost"}`))
	if !errors.Is(err, ErrVersionConflict) {
		test.Fatalf("expected ErrVersionConflict, got %v", err)
	}
	record, err := fixture.service.ReadData(context.Background(), instance.InstanceID, key)
	if err != nil {
		test.Fatalf("read: %v", err)
	}
	if record.Version != 4 || string(record.Value.Raw()) != `{"v":4}` {
		test.Fatalf("conflicting write left a side effect: %+v", record)
	}
}

func TestWriteDataUnknownInstance(test *testing.T) {
	test.Parallel()
	fixture := newFixture(test)
	unknown := mustInstanceID(test, "nope")
	_, err := fixture.service.WriteData(context.Background(), unknown, mustDataKey(test, "k"), 0, mustDataValue(test, `1`))
	if !errors.Is(err, ErrNotFound) {
		test.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestWriteBatchIsAllOrNothing(test *testing.T) {
	test.Parallel()
	fixture := newFixture(test)
	instance := fixture.mustUnlock(test, "child-3", "game-1")
	keyA := mustDataKey(test, "a")
	keyB := mustDataKey(test, "b")
	if _, err := fixture.service.WriteData(context.Background(), instance.InstanceID, keyB, 0, mustDataValue(test, `1`)); err != nil {
		test.Fatalf("seed: %v", err)
	}

	_, err := fixture.service.WriteBatch(context.Background(), instance.InstanceID, []KeyedWrite{
		{Key: keyA, ExpectedVersion: 0, Value: mustDataValue(test, `"new"`)},
		{Key: keyB, ExpectedVersion: 5, Value: mustDataValue(test, `"stale"`)},
	})
	if !errors.Is(err, ErrVersionConflict) {
		test.Fatalf("expected ErrVersionConflict, got %v", err)
	}
	if _, err := fixture.service.ReadData(context.Background(), instance.InstanceID, keyA); !errors.Is(err, ErrNotFound) {
		test.Fatalf("expected aborted batch to leave key a absent, got %v", err)
	}

	versions, err := fixture.service.WriteBatch(context.Background(), instance.InstanceID, []KeyedWrite{
		{Key: keyA, ExpectedVersion: 0, Value: mustDataValue(test, `"new"`)},
		{Key: keyB, ExpectedVersion: 1, Value: mustDataValue(test, `2`)},
	})
	if err != nil {
		test.Fatalf("batch: %v", err)
	}
	if len(versions) != 2 || versions[0] != 1 || versions[1] != 2 {
		test.Fatalf("unexpected versions: %v", versions)
	}
}

func TestWriteUnlocksAchievementWithRewardExactlyOnce(test *testing.T) {
	test.Parallel()
	fixture := newFixture(test)
	fixture.definitions.byGame["game-1"] = []achievement.Definition{{
		AchievementID: "collect-5",
		Kind:          achievement.KindSetComplete,
		Params:        json.RawMessage(`{"key":"items","required":["a","b","c","d","e"]}`),
		Reward:        &achievement.Reward{CurrencyID: "coins", Amount: 25},
	}}
	instance := fixture.mustUnlock(test, "child-4", "game-1")
	key := mustDataKey(test, "items")

	if _, err := fixture.service.WriteData(context.Background(), instance.InstanceID, key, 0, mustDataValue(test, `["a","b","c","d"]`)); err != nil {
		test.Fatalf("write: %v", err)
	}
	if unlocks := fixture.store.unlockCount(instance.InstanceID); unlocks != 0 {
		test.Fatalf("expected no unlock with partial set, got %d", unlocks)
	}

	// Fifth item satisfies the criterion.
	if _, err := fixture.service.WriteData(context.Background(), instance.InstanceID, key, 1, mustDataValue(test, `["a","b","c","d","e"]`)); err != nil {
		test.Fatalf("write: %v", err)
	}
	if unlocks := fixture.store.unlockCount(instance.InstanceID); unlocks != 1 {
		test.Fatalf("expected 1 unlock, got %d", unlocks)
	}
	// Another triggering write must not unlock or reward again.
	if _, err := fixture.service.WriteData(context.Background(), instance.InstanceID, key, 2, mustDataValue(test, `["a","b","c","d","e","f"]`)); err != nil {
		test.Fatalf("write: %v", err)
	}
	if unlocks := fixture.store.unlockCount(instance.InstanceID); unlocks != 1 {
		test.Fatalf("expected unlock to stay at 1, got %d", unlocks)
	}
	if credits := len(fixture.store.walletStub.entries); credits != 1 {
		test.Fatalf("expected exactly 1 reward credit, got %d", credits)
	}
	entry := fixture.store.walletStub.entries[0]
	if entry.Amount != 25 || entry.Source.Type != wallet.SourceAchievementReward || entry.Source.ID != "collect-5" {
		test.Fatalf("unexpected reward entry: %+v", entry)
	}
}

func TestBrokenCriterionNeverFailsTheWrite(test *testing.T) {
	test.Parallel()
	fixture := newFixture(test)
	fixture.definitions.byGame["game-1"] = []achievement.Definition{{
		AchievementID: "broken",
		Kind:          achievement.CriterionKind("not-registered"),
	}}
	instance := fixture.mustUnlock(test, "child-5", "game-1")

	if _, err := fixture.service.WriteData(context.Background(), instance.InstanceID, mustDataKey(test, "k"), 0, mustDataValue(test, `1`)); err != nil {
		test.Fatalf("write should survive criterion problems: %v", err)
	}
	if unlocks := fixture.store.unlockCount(instance.InstanceID); unlocks != 0 {
		test.Fatalf("expected no unlock, got %d", unlocks)
	}
}

func TestUnlockGameIsIdempotent(test *testing.T) {
	test.Parallel()
	fixture := newFixture(test)
	childID := mustChildID(test, "child-6")
	gameID := mustGameID(test, "game-2")

	first, err := fixture.service.UnlockGame(context.Background(), childID, gameID, json.RawMessage(`{"difficulty":"easy"}`))
	if err != nil {
		test.Fatalf("unlock: %v", err)
	}
	second, err := fixture.service.UnlockGame(context.Background(), childID, gameID, nil)
	if err != nil {
		test.Fatalf("unlock again: %v", err)
	}
	if first.InstanceID != second.InstanceID {
		test.Fatalf("expected same instance, got %s and %s", first.InstanceID.String(), second.InstanceID.String())
	}
}

func TestArchivedInstanceRejectsWrites(test *testing.T) {
	test.Parallel()
	fixture := newFixture(test)
	instance := fixture.mustUnlock(test, "child-7", "game-1")

	if err := fixture.service.ArchiveInstance(context.Background(), instance.InstanceID); err != nil {
		test.Fatalf("archive: %v", err)
	}
	_, err := fixture.service.WriteData(context.Background(), instance.InstanceID, mustDataKey(test, "k"), 0, mustDataValue(test, `1`))
	if !errors.Is(err, ErrInstanceArchived) {
		test.Fatalf("expected ErrInstanceArchived, got %v", err)
	}
}

func TestEraseInstanceData(test *testing.T) {
	test.Parallel()
	fixture := newFixture(test)
	instance := fixture.mustUnlock(test, "child-8", "game-1")
	for _, name := range []string{"a", "b", "c"} {
		if _, err := fixture.service.WriteData(context.Background(), instance.InstanceID, mustDataKey(test, name), 0, mustDataValue(test, `1`)); err != nil {
			test.Fatalf("write %s: %v", name, err)
		}
	}
	deleted, err := fixture.service.EraseInstanceData(context.Background(), instance.InstanceID)
	if err != nil {
		test.Fatalf("erase: %v", err)
	}
	if deleted != 3 {
		test.Fatalf("expected 3 deleted records, got %d", deleted)
	}
	records, err := fixture.service.ListData(context.Background(), instance.InstanceID, "")
	if err != nil {
		test.Fatalf("list: %v", err)
	}
	if len(records) != 0 {
		test.Fatalf("expected no records, got %d", len(records))
	}
}

func TestListDataFiltersByPrefix(test *testing.T) {
	test.Parallel()
	fixture := newFixture(test)
	instance := fixture.mustUnlock(test, "child-9", "game-1")
	for _, name := range []string{"save.slot1", "save.slot2", "settings.audio"} {
		if _, err := fixture.service.WriteData(context.Background(), instance.InstanceID, mustDataKey(test, name), 0, mustDataValue(test, `1`)); err != nil {
			test.Fatalf("write %s: %v", name, err)
		}
	}
	records, err := fixture.service.ListData(context.Background(), instance.InstanceID, "save.")
	if err != nil {
		test.Fatalf("list: %v", err)
	}
	if len(records) != 2 {
		test.Fatalf("expected 2 save records, got %d", len(records))
	}
}

func TestNewServiceRequiresDependencies(test *testing.T) {
	test.Parallel()
	store := newStubProgressStore()
	engine := achievement.NewEngine(nil)
	walletService := mustWalletService(test, store.walletStub)
	definitions := newStubDefinitions()
	clock := func() int64 { return 0 }

	if _, err := NewService(nil, engine, walletService, definitions, clock); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected config error for nil store, got %v", err)
	}
	if _, err := NewService(store, nil, walletService, definitions, clock); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected config error for nil engine, got %v", err)
	}
	if _, err := NewService(store, engine, nil, definitions, clock); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected config error for nil wallet, got %v", err)
	}
	if _, err := NewService(store, engine, walletService, nil, clock); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected config error for nil definitions, got %v", err)
	}
	if _, err := NewService(store, engine, walletService, definitions, nil); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected config error for nil clock, got %v", err)
	}
}

// fixture wires a Service against in-memory stubs with a controllable clock.
type fixture struct {
	service     *Service
	store       *stubProgressStore
	definitions *stubDefinitions
	now         *int64
}

func newFixture(test *testing.T) *fixture {
	test.Helper()
	store := newStubProgressStore()
	definitions := newStubDefinitions()
	now := int64(1_000)
	clock := func() int64 { return now }
	walletService := mustWalletService(test, store.walletStub)
	service, err := NewService(store, achievement.NewEngine(nil), walletService, definitions, clock)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return &fixture{service: service, store: store, definitions: definitions, now: &now}
}

func (f *fixture) mustUnlock(test *testing.T, child string, game string) Instance {
	test.Helper()
	instance, err := f.service.UnlockGame(context.Background(), mustChildID(test, child), mustGameID(test, game), nil)
	if err != nil {
		test.Fatalf("unlock game: %v", err)
	}
	return instance
}

type stubDefinitions struct {
	byGame map[string][]achievement.Definition
	err    error
}

func newStubDefinitions() *stubDefinitions {
	return &stubDefinitions{byGame: make(map[string][]achievement.Definition)}
}

func (definitions *stubDefinitions) DefinitionsForGame(ctx context.Context, gameID GameID) ([]achievement.Definition, error) {
	if definitions.err != nil {
		return nil, definitions.err
	}
	return definitions.byGame[gameID.String()], nil
}

type recordKey struct {
	instanceID InstanceID
	key        DataKey
}

type unlockKey struct {
	instanceID    string
	achievementID string
}

type stubProgressStore struct {
	instances  map[InstanceID]Instance
	byChild    map[string]InstanceID
	records    map[recordKey]DataRecord
	sessions   map[SessionID]Session
	rollups    map[string]DailyRollup
	unlocks    map[unlockKey]achievement.Unlock
	walletStub *stubWalletStore
}

func newStubProgressStore() *stubProgressStore {
	return &stubProgressStore{
		instances:  make(map[InstanceID]Instance),
		byChild:    make(map[string]InstanceID),
		records:    make(map[recordKey]DataRecord),
		sessions:   make(map[SessionID]Session),
		rollups:    make(map[string]DailyRollup),
		unlocks:    make(map[unlockKey]achievement.Unlock),
		walletStub: newStubWalletStore(),
	}
}

func (store *stubProgressStore) unlockCount(instanceID InstanceID) int {
	count := 0
	for key := range store.unlocks {
		if key.instanceID == instanceID.String() {
			count++
		}
	}
	return count
}

func (store *stubProgressStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	snapshot := store.clone()
	if err := fn(ctx, store); err != nil {
		store.restore(snapshot)
		return err
	}
	return nil
}

func (store *stubProgressStore) clone() *stubProgressStore {
	clone := newStubProgressStore()
	for key, value := range store.instances {
		clone.instances[key] = value
	}
	for key, value := range store.byChild {
		clone.byChild[key] = value
	}
	for key, value := range store.records {
		clone.records[key] = value
	}
	for key, value := range store.sessions {
		clone.sessions[key] = value
	}
	for key, value := range store.rollups {
		clone.rollups[key] = value
	}
	for key, value := range store.unlocks {
		clone.unlocks[key] = value
	}
	clone.walletStub = store.walletStub.clone()
	return clone
}

func (store *stubProgressStore) restore(snapshot *stubProgressStore) {
	store.instances = snapshot.instances
	store.byChild = snapshot.byChild
	store.records = snapshot.records
	store.sessions = snapshot.sessions
	store.rollups = snapshot.rollups
	store.unlocks = snapshot.unlocks
	store.walletStub.restore(snapshot.walletStub)
}

func childGameKey(childID ChildID, gameID GameID) string {
	return childID.String() + "/" + gameID.String()
}

func (store *stubProgressStore) InsertInstance(ctx context.Context, instance Instance) (bool, error) {
	key := childGameKey(instance.ChildID, instance.GameID)
	if _, exists := store.byChild[key]; exists {
		return false, nil
	}
	store.byChild[key] = instance.InstanceID
	store.instances[instance.InstanceID] = instance
	return true, nil
}

func (store *stubProgressStore) GetInstance(ctx context.Context, instanceID InstanceID) (Instance, error) {
	instance, ok := store.instances[instanceID]
	if !ok {
		return Instance{}, ErrNotFound
	}
	return instance, nil
}

func (store *stubProgressStore) GetInstanceByChildGame(ctx context.Context, childID ChildID, gameID GameID) (Instance, error) {
	instanceID, ok := store.byChild[childGameKey(childID, gameID)]
	if !ok {
		return Instance{}, ErrNotFound
	}
	return store.instances[instanceID], nil
}

func (store *stubProgressStore) UpdateInstance(ctx context.Context, instance Instance) error {
	if _, ok := store.instances[instance.InstanceID]; !ok {
		return ErrNotFound
	}
	store.instances[instance.InstanceID] = instance
	return nil
}

func (store *stubProgressStore) GetRecord(ctx context.Context, instanceID InstanceID, key DataKey) (DataRecord, error) {
	record, ok := store.records[recordKey{instanceID: instanceID, key: key}]
	if !ok {
		return DataRecord{}, ErrNotFound
	}
	return record, nil
}

func (store *stubProgressStore) InsertRecord(ctx context.Context, record DataRecord) error {
	id := recordKey{instanceID: record.InstanceID, key: record.Key}
	if _, exists := store.records[id]; exists {
		return ErrVersionConflict
	}
	store.records[id] = record
	return nil
}

func (store *stubProgressStore) UpdateRecordCAS(ctx context.Context, instanceID InstanceID, key DataKey, expectedVersion Version, value DataValue, atUnixUTC int64) (Version, error) {
	id := recordKey{instanceID: instanceID, key: key}
	record, ok := store.records[id]
	if !ok {
		return 0, ErrNotFound
	}
	if record.Version != expectedVersion {
		return 0, ErrVersionConflict
	}
	record.Version++
	record.Value = value
	record.UpdatedUnixUTC = atUnixUTC
	store.records[id] = record
	return record.Version, nil
}

func (store *stubProgressStore) ListRecords(ctx context.Context, instanceID InstanceID, keyPrefix string) ([]DataRecord, error) {
	var out []DataRecord
	for id, record := range store.records {
		if id.instanceID != instanceID {
			continue
		}
		if keyPrefix != "" && !strings.HasPrefix(id.key.String(), keyPrefix) {
			continue
		}
		out = append(out, record)
	}
	return out, nil
}

func (store *stubProgressStore) DeleteRecord(ctx context.Context, instanceID InstanceID, key DataKey) error {
	id := recordKey{instanceID: instanceID, key: key}
	if _, ok := store.records[id]; !ok {
		return ErrNotFound
	}
	delete(store.records, id)
	return nil
}

func (store *stubProgressStore) DeleteInstanceRecords(ctx context.Context, instanceID InstanceID) (int64, error) {
	var deleted int64
	for id := range store.records {
		if id.instanceID == instanceID {
			delete(store.records, id)
			deleted++
		}
	}
	return deleted, nil
}

func (store *stubProgressStore) InsertSession(ctx context.Context, session Session) error {
	store.sessions[session.SessionID] = session
	return nil
}

func (store *stubProgressStore) GetSessionForUpdate(ctx context.Context, sessionID SessionID) (Session, error) {
	session, ok := store.sessions[sessionID]
	if !ok {
		return Session{}, ErrNotFound
	}
	return session, nil
}

func (store *stubProgressStore) SaveSession(ctx context.Context, session Session) error {
	if _, ok := store.sessions[session.SessionID]; !ok {
		return ErrNotFound
	}
	store.sessions[session.SessionID] = session
	return nil
}

func (store *stubProgressStore) ListEndedSessions(ctx context.Context, instanceID InstanceID, fromUnixUTC int64, toUnixUTC int64) ([]Session, error) {
	var out []Session
	for _, session := range store.sessions {
		if session.InstanceID != instanceID || session.State != SessionEnded {
			continue
		}
		if session.EndUnixUTC >= fromUnixUTC && session.EndUnixUTC < toUnixUTC {
			out = append(out, session)
		}
	}
	return out, nil
}

func (store *stubProgressStore) UpsertDailyRollup(ctx context.Context, rollup DailyRollup) error {
	store.rollups[rollup.ChildID.String()+"/"+rollup.GameID.String()+"/"+rollup.Day] = rollup
	return nil
}

func (store *stubProgressStore) InsertUnlock(ctx context.Context, unlock achievement.Unlock) (bool, error) {
	id := unlockKey{instanceID: unlock.InstanceID, achievementID: unlock.AchievementID}
	if _, exists := store.unlocks[id]; exists {
		return false, nil
	}
	store.unlocks[id] = unlock
	return true, nil
}

func (store *stubProgressStore) ListUnlockedIDs(ctx context.Context, instanceID InstanceID) (map[string]struct{}, error) {
	out := make(map[string]struct{})
	for id := range store.unlocks {
		if id.instanceID == instanceID.String() {
			out[id.achievementID] = struct{}{}
		}
	}
	return out, nil
}

func (store *stubProgressStore) Wallet() wallet.Store {
	return store.walletStub
}

// stubWalletStore is a minimal wallet.Store used to observe reward credits.
type stubWalletStore struct {
	balances map[string]wallet.Balance
	entries  []wallet.Entry
}

func newStubWalletStore() *stubWalletStore {
	return &stubWalletStore{balances: make(map[string]wallet.Balance)}
}

func (store *stubWalletStore) clone() *stubWalletStore {
	clone := newStubWalletStore()
	for key, value := range store.balances {
		clone.balances[key] = value
	}
	clone.entries = append([]wallet.Entry(nil), store.entries...)
	return clone
}

func (store *stubWalletStore) restore(snapshot *stubWalletStore) {
	store.balances = snapshot.balances
	store.entries = snapshot.entries
}

func walletKey(childID wallet.ChildID, currencyID wallet.CurrencyID) string {
	return childID.String() + "/" + currencyID.String()
}

func (store *stubWalletStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore wallet.Store) error) error {
	return fn(ctx, store)
}

func (store *stubWalletStore) LockBalance(ctx context.Context, childID wallet.ChildID, currencyID wallet.CurrencyID) (wallet.Balance, error) {
	return store.balances[walletKey(childID, currencyID)], nil
}

func (store *stubWalletStore) GetBalance(ctx context.Context, childID wallet.ChildID, currencyID wallet.CurrencyID) (wallet.Balance, error) {
	return store.balances[walletKey(childID, currencyID)], nil
}

func (store *stubWalletStore) SaveBalance(ctx context.Context, childID wallet.ChildID, currencyID wallet.CurrencyID, balance wallet.Balance) error {
	store.balances[walletKey(childID, currencyID)] = balance
	return nil
}

func (store *stubWalletStore) InsertEntry(ctx context.Context, entry wallet.Entry) error {
	store.entries = append(store.entries, entry)
	return nil
}

func (store *stubWalletStore) ListEntries(ctx context.Context, childID wallet.ChildID, currencyID wallet.CurrencyID, beforeUnixUTC int64, limit int) ([]wallet.Entry, error) {
	return append([]wallet.Entry(nil), store.entries...), nil
}

func (store *stubWalletStore) SumEntries(ctx context.Context, childID wallet.ChildID, currencyID wallet.CurrencyID) (int64, error) {
	var sum int64
	for _, entry := range store.entries {
		if entry.ChildID == childID && entry.CurrencyID == currencyID {
			sum += entry.Amount
		}
	}
	return sum, nil
}

func mustWalletService(test *testing.T, store wallet.Store) *wallet.Service {
	test.Helper()
	service, err := wallet.NewService(store, func() int64 { return 100 })
	if err != nil {
		test.Fatalf("wallet service: %v", err)
	}
	return service
}

func mustInstanceID(test *testing.T, raw string) InstanceID {
	test.Helper()
	value, err := NewInstanceID(raw)
	if err != nil {
		test.Fatalf("instance id: %v", err)
	}
	return value
}

func mustChildID(test *testing.T, raw string) ChildID {
	test.Helper()
	value, err := NewChildID(raw)
	if err != nil {
		test.Fatalf("child id: %v", err)
	}
	return value
}

func mustGameID(test *testing.T, raw string) GameID {
	test.Helper()
	value, err := NewGameID(raw)
	if err != nil {
		test.Fatalf("game id: %v", err)
	}
	return value
}

func mustSessionID(test *testing.T, raw string) SessionID {
	test.Helper()
	value, err := NewSessionID(raw)
	if err != nil {
		test.Fatalf("session id: %v", err)
	}
	return value
}

func mustDataKey(test *testing.T, raw string) DataKey {
	test.Helper()
	value, err := NewDataKey(raw)
	if err != nil {
		test.Fatalf("data key: %v", err)
	}
	return value
}

func mustDataValue(test *testing.T, raw string) DataValue {
	test.Helper()
	value, err := NewDataValue([]byte(raw))
	if err != nil {
		test.Fatalf("data value: %v", err)
	}
	return value
}
