package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/MarkoPoloResearchLab/playledger/pkg/achievement"
	"github.com/MarkoPoloResearchLab/playledger/pkg/progress"
	"github.com/MarkoPoloResearchLab/playledger/pkg/purchase"
	"github.com/MarkoPoloResearchLab/playledger/pkg/wallet"
)

func TestDataWriteVersioningAgainstSqlite(t *testing.T) {
	harness := newHarness(t)
	instance := harness.mustUnlock(t, "child-1", "game-1")
	key := mustDataKey(t, "progress")

	version, err := harness.progress.WriteData(context.Background(), instance.InstanceID, key, 0, mustDataValue(t, `{"level":1}`))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if version != 1 {
		t.Fatalf("expected version 1, got %d", version)
	}
	version, err = harness.progress.WriteData(context.Background(), instance.InstanceID, key, 1, mustDataValue(t, `{"level":2}`))
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if version != 2 {
		t.Fatalf("expected version 2, got %d", version)
	}
	if _, err := harness.progress.WriteData(context.Background(), instance.InstanceID, key, 1, mustDataValue(t, `{"level":99}`)); !errors.Is(err, progress.ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
	record, err := harness.progress.ReadData(context.Background(), instance.InstanceID, key)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if record.Version != 2 || string(record.Value.Raw()) != `{"level":2}` {
		t.Fatalf("stale write left a side effect: %+v", record)
	}
	// Creating over an existing key is also a conflict.
	if _, err := harness.progress.WriteData(context.Background(), instance.InstanceID, key, 0, mustDataValue(t, `{}`)); !errors.Is(err, progress.ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict on duplicate create, got %v", err)
	}
}

func TestUnlockGameIsIdempotentAgainstSqlite(t *testing.T) {
	harness := newHarness(t)
	childID := mustChildID(t, "child-2")
	gameID := mustGameID(t, "game-1")

	first, err := harness.progress.UnlockGame(context.Background(), childID, gameID, json.RawMessage(`{"difficulty":"easy"}`))
	if err != nil {
		t.Fatalf("unlock: %v", err)
	}
	second, err := harness.progress.UnlockGame(context.Background(), childID, gameID, nil)
	if err != nil {
		t.Fatalf("unlock again: %v", err)
	}
	if first.InstanceID != second.InstanceID {
		t.Fatalf("expected one instance per (child, game), got %s and %s", first.InstanceID.String(), second.InstanceID.String())
	}
}

func TestAchievementRewardCommitsWithWrite(t *testing.T) {
	harness := newHarness(t)
	gameID := mustGameID(t, "game-1")
	definition := achievement.Definition{
		AchievementID: "collect-5",
		Kind:          achievement.KindSetComplete,
		Params:        json.RawMessage(`{"key":"items","required":["a","b","c","d","e"]}`),
		Reward:        &achievement.Reward{CurrencyID: "coins", Amount: 25},
	}
	if err := harness.store.UpsertDefinition(context.Background(), gameID, definition, true); err != nil {
		t.Fatalf("upsert definition: %v", err)
	}
	instance := harness.mustUnlock(t, "child-3", "game-1")
	key := mustDataKey(t, "items")

	if _, err := harness.progress.WriteData(context.Background(), instance.InstanceID, key, 0, mustDataValue(t, `["a","b","c","d","e"]`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	unlocked, err := harness.store.ListUnlockedIDs(context.Background(), instance.InstanceID)
	if err != nil {
		t.Fatalf("list unlocks: %v", err)
	}
	if _, ok := unlocked["collect-5"]; !ok {
		t.Fatal("expected collect-5 unlocked")
	}

	childID := mustWalletChildID(t, "child-3")
	currencyID := mustCurrencyID(t, "coins")
	balance, err := harness.wallet.Balance(context.Background(), childID, currencyID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Current != 25 {
		t.Fatalf("expected reward balance 25, got %d", balance.Current)
	}

	// A second satisfying write must not unlock or pay twice.
	if _, err := harness.progress.WriteData(context.Background(), instance.InstanceID, key, 1, mustDataValue(t, `["a","b","c","d","e","f"]`)); err != nil {
		t.Fatalf("second write: %v", err)
	}
	report, err := harness.wallet.Reconcile(context.Background(), childID, currencyID)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if report.Materialized != 25 || report.LedgerSum != 25 {
		t.Fatalf("expected single 25 reward, got %+v", report)
	}
}

func TestTwoPurchasesAgainstOneBalanceSqlite(t *testing.T) {
	harness := newHarness(t)
	harness.catalog.products["game"] = purchase.Product{
		ProductID:   mustProductID(t, "game"),
		Category:    "content",
		CurrencyID:  "coins",
		PriceAmount: 80,
		PriceCents:  100,
	}
	harness.families.profile.AutoApproveThresholdCents = 1_000
	childID := mustPurchaseChildID(t, "child-4")
	harness.seedBalance(t, "child-4", "coins", 100)

	first, err := harness.purchase.Initiate(context.Background(), childID, mustProductID(t, "game"), purchase.PaymentVirtual)
	if err != nil {
		t.Fatalf("first initiate: %v", err)
	}
	second, err := harness.purchase.Initiate(context.Background(), childID, mustProductID(t, "game"), purchase.PaymentVirtual)
	if err != nil {
		t.Fatalf("second initiate: %v", err)
	}
	if _, err := harness.purchase.Complete(context.Background(), first.TransactionID); err != nil {
		t.Fatalf("first complete: %v", err)
	}
	failed, err := harness.purchase.Complete(context.Background(), second.TransactionID)
	if !errors.Is(err, wallet.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if failed.Status != purchase.StatusFailed {
		t.Fatalf("expected failed status, got %s", failed.Status)
	}
	balance, err := harness.wallet.Balance(context.Background(), mustWalletChildID(t, "child-4"), mustCurrencyID(t, "coins"))
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Current != 20 {
		t.Fatalf("expected final balance 20, got %d", balance.Current)
	}
}

func TestCompleteIsIdempotentAgainstSqlite(t *testing.T) {
	harness := newHarness(t)
	harness.catalog.products["hat"] = purchase.Product{
		ProductID:   mustProductID(t, "hat"),
		Category:    "cosmetics",
		CurrencyID:  "coins",
		PriceAmount: 30,
		PriceCents:  50,
	}
	harness.families.profile.AutoApproveThresholdCents = 1_000
	harness.seedBalance(t, "child-5", "coins", 100)
	childID := mustPurchaseChildID(t, "child-5")

	transaction, err := harness.purchase.Initiate(context.Background(), childID, mustProductID(t, "hat"), purchase.PaymentVirtual)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if _, err := harness.purchase.Complete(context.Background(), transaction.TransactionID); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err := harness.purchase.Complete(context.Background(), transaction.TransactionID); err != nil {
		t.Fatalf("repeat complete: %v", err)
	}
	balance, err := harness.wallet.Balance(context.Background(), mustWalletChildID(t, "child-5"), mustCurrencyID(t, "coins"))
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Current != 70 {
		t.Fatalf("expected one debit leaving 70, got %d", balance.Current)
	}
	owned, err := harness.store.OwnsProduct(context.Background(), childID, mustProductID(t, "hat"))
	if err != nil {
		t.Fatalf("owns: %v", err)
	}
	if !owned {
		t.Fatal("expected ownership after completion")
	}
}

func TestApprovalExpirySweepAgainstSqlite(t *testing.T) {
	harness := newHarness(t)
	harness.catalog.products["bundle"] = purchase.Product{ProductID: mustProductID(t, "bundle"), Category: "content", PriceCents: 499}
	childID := mustPurchaseChildID(t, "child-6")

	pending, err := harness.purchase.Initiate(context.Background(), childID, mustProductID(t, "bundle"), purchase.PaymentReal)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	*harness.now += 7*24*3_600 + 1
	denied, err := harness.purchase.ExpireStale(context.Background())
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if denied != 1 {
		t.Fatalf("expected 1 denial, got %d", denied)
	}
	stored, err := harness.purchase.Get(context.Background(), pending.TransactionID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != purchase.StatusDenied {
		t.Fatalf("expected denied, got %s", stored.Status)
	}
}

func TestSessionLifecycleAgainstSqlite(t *testing.T) {
	harness := newHarness(t)
	instance := harness.mustUnlock(t, "child-7", "game-2")

	started, err := harness.progress.StartSession(context.Background(), instance.InstanceID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := harness.progress.RecordSessionEvents(context.Background(), started.Session.SessionID, 1, achievement.Metrics{"coins": 5}); err != nil {
		t.Fatalf("events: %v", err)
	}
	*harness.now += 240
	ended, err := harness.progress.EndSession(context.Background(), started.Session.SessionID, nil)
	if err != nil {
		t.Fatalf("end: %v", err)
	}
	if ended.DurationSeconds != 240 || ended.Metrics["coins"] != 5 {
		t.Fatalf("unexpected ended session: %+v", ended)
	}
	updated, err := harness.progress.GetInstance(context.Background(), instance.InstanceID)
	if err != nil {
		t.Fatalf("get instance: %v", err)
	}
	if updated.SessionCount != 1 || updated.PlayTimeSeconds != 240 {
		t.Fatalf("unexpected aggregates: %+v", updated)
	}
}

func TestListRecordsByPrefixAgainstSqlite(t *testing.T) {
	harness := newHarness(t)
	instance := harness.mustUnlock(t, "child-8", "game-1")
	for _, name := range []string{"save.slot1", "save.slot2", "settings.audio"} {
		if _, err := harness.progress.WriteData(context.Background(), instance.InstanceID, mustDataKey(t, name), 0, mustDataValue(t, `1`)); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	records, err := harness.progress.ListData(context.Background(), instance.InstanceID, "save.")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
}

func TestListRecordsEscapesWildcardPrefixAgainstSqlite(t *testing.T) {
	harness := newHarness(t)
	instance := harness.mustUnlock(t, "child-9", "game-1")
	// The third key matches an unescaped "100%_done.%" pattern through
	// the wildcards but does not share the literal prefix.
	for _, name := range []string{"100%_done.slot", "100%_done.meta", "100zz-done.extra"} {
		if _, err := harness.progress.WriteData(context.Background(), instance.InstanceID, mustDataKey(t, name), 0, mustDataValue(t, `1`)); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	records, err := harness.progress.ListData(context.Background(), instance.InstanceID, "100%_done.")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records with the literal prefix, got %d", len(records))
	}
	for _, record := range records {
		if record.Key.String() != "100%_done.slot" && record.Key.String() != "100%_done.meta" {
			t.Fatalf("unexpected record %s", record.Key.String())
		}
	}
}

func TestConcurrentDataWritesOneWinnerAgainstSqlite(t *testing.T) {
	harness := newHarness(t)
	instance := harness.mustUnlock(t, "child-10", "game-1")
	key := mustDataKey(t, "save.slot1")
	if _, err := harness.progress.WriteData(context.Background(), instance.InstanceID, key, 0, mustDataValue(t, `{"level":1}`)); err != nil {
		t.Fatalf("create: %v", err)
	}

	payloads := []progress.DataValue{
		mustDataValue(t, `{"level":2}`),
		mustDataValue(t, `{"level":3}`),
	}
	writeErrs := make([]error, len(payloads))
	var group sync.WaitGroup
	for index, payload := range payloads {
		group.Add(1)
		go func(index int, payload progress.DataValue) {
			defer group.Done()
			_, writeErrs[index] = harness.progress.WriteData(context.Background(), instance.InstanceID, key, 1, payload)
		}(index, payload)
	}
	group.Wait()

	winner := -1
	for index, err := range writeErrs {
		switch {
		case err == nil:
			if winner != -1 {
				t.Fatal("expected exactly one write to win the version race")
			}
			winner = index
		case errors.Is(err, progress.ErrVersionConflict):
		default:
			t.Fatalf("write %d: %v", index, err)
		}
	}
	if winner == -1 {
		t.Fatal("expected one write to succeed")
	}
	record, err := harness.progress.ReadData(context.Background(), instance.InstanceID, key)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if record.Version != 2 || string(record.Value.Raw()) != string(payloads[winner].Raw()) {
		t.Fatalf("expected the winning write at version 2, got %+v", record)
	}
}

func TestConcurrentUnlockGameAgainstSqlite(t *testing.T) {
	harness := newHarness(t)
	childID := mustChildID(t, "child-11")
	gameID := mustGameID(t, "game-3")

	instances := make([]progress.Instance, 2)
	unlockErrs := make([]error, 2)
	var group sync.WaitGroup
	for index := range instances {
		group.Add(1)
		go func(index int) {
			defer group.Done()
			instances[index], unlockErrs[index] = harness.progress.UnlockGame(context.Background(), childID, gameID, nil)
		}(index)
	}
	group.Wait()

	for index, err := range unlockErrs {
		if err != nil {
			t.Fatalf("unlock %d: %v", index, err)
		}
	}
	if instances[0].InstanceID != instances[1].InstanceID {
		t.Fatalf("expected one instance per (child, game), got %s and %s", instances[0].InstanceID.String(), instances[1].InstanceID.String())
	}
}

func TestConcurrentWritesRewardOnceAgainstSqlite(t *testing.T) {
	harness := newHarness(t)
	gameID := mustGameID(t, "game-4")
	instance := harness.mustUnlock(t, "child-12", "game-4")
	// Seed the completed set before the definition exists so the unlock
	// is only attempted by the racing writes below.
	if _, err := harness.progress.WriteData(context.Background(), instance.InstanceID, mustDataKey(t, "items"), 0, mustDataValue(t, `["a","b","c"]`)); err != nil {
		t.Fatalf("seed items: %v", err)
	}
	definition := achievement.Definition{
		AchievementID: "collect-3",
		Kind:          achievement.KindSetComplete,
		Params:        json.RawMessage(`{"key":"items","required":["a","b","c"]}`),
		Reward:        &achievement.Reward{CurrencyID: "coins", Amount: 40},
	}
	if err := harness.store.UpsertDefinition(context.Background(), gameID, definition, true); err != nil {
		t.Fatalf("upsert definition: %v", err)
	}

	keys := []progress.DataKey{mustDataKey(t, "journal.a"), mustDataKey(t, "journal.b")}
	payload := mustDataValue(t, `1`)
	writeErrs := make([]error, len(keys))
	var group sync.WaitGroup
	for index, key := range keys {
		group.Add(1)
		go func(index int, key progress.DataKey) {
			defer group.Done()
			_, writeErrs[index] = harness.progress.WriteData(context.Background(), instance.InstanceID, key, 0, payload)
		}(index, key)
	}
	group.Wait()

	// Both writers see the completed set and try the unlock. The one
	// that loses the unlock must keep its data write.
	for index, err := range writeErrs {
		if err != nil {
			t.Fatalf("write %d: %v", index, err)
		}
	}
	for _, key := range keys {
		if _, err := harness.progress.ReadData(context.Background(), instance.InstanceID, key); err != nil {
			t.Fatalf("read %s: %v", key.String(), err)
		}
	}
	unlocked, err := harness.store.ListUnlockedIDs(context.Background(), instance.InstanceID)
	if err != nil {
		t.Fatalf("list unlocks: %v", err)
	}
	if _, ok := unlocked["collect-3"]; !ok {
		t.Fatal("expected collect-3 unlocked")
	}
	report, err := harness.wallet.Reconcile(context.Background(), mustWalletChildID(t, "child-12"), mustCurrencyID(t, "coins"))
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if report.Materialized != 40 || report.LedgerSum != 40 {
		t.Fatalf("expected a single 40 reward, got %+v", report)
	}
}

type harness struct {
	store    *Store
	progress *progress.Service
	wallet   *wallet.Service
	purchase *purchase.Service
	catalog  *stubCatalog
	families *stubFamilies
	now      *int64
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(t.TempDir()+"/playledger.db"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	store := New(db)
	if err := store.AutoMigrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	now := int64(1_700_000_000)
	clock := func() int64 { return now }
	walletService, err := wallet.NewService(store.Wallet(), clock)
	if err != nil {
		t.Fatalf("wallet service: %v", err)
	}
	progressService, err := progress.NewService(store.Progress(), achievement.NewEngine(nil), walletService, store, clock)
	if err != nil {
		t.Fatalf("progress service: %v", err)
	}
	catalog := &stubCatalog{products: make(map[string]purchase.Product)}
	families := &stubFamilies{profile: purchase.ChildProfile{FamilyID: "family-1", AgeYears: 10}}
	purchaseService, err := purchase.NewService(store.Purchase(), walletService, catalog, families, clock)
	if err != nil {
		t.Fatalf("purchase service: %v", err)
	}
	return &harness{
		store:    store,
		progress: progressService,
		wallet:   walletService,
		purchase: purchaseService,
		catalog:  catalog,
		families: families,
		now:      &now,
	}
}

func (h *harness) mustUnlock(t *testing.T, child string, game string) progress.Instance {
	t.Helper()
	instance, err := h.progress.UnlockGame(context.Background(), mustChildID(t, child), mustGameID(t, game), nil)
	if err != nil {
		t.Fatalf("unlock game: %v", err)
	}
	return instance
}

func (h *harness) seedBalance(t *testing.T, child string, currency string, amount int64) {
	t.Helper()
	grant, err := wallet.NewAmount(amount)
	if err != nil {
		t.Fatalf("amount: %v", err)
	}
	if _, err := h.wallet.Credit(context.Background(), mustWalletChildID(t, child), mustCurrencyID(t, currency), grant, wallet.Source{Type: wallet.SourceGrant, ID: "seed"}); err != nil {
		t.Fatalf("seed credit: %v", err)
	}
}

type stubCatalog struct {
	products map[string]purchase.Product
}

func (catalog *stubCatalog) Product(ctx context.Context, productID purchase.ProductID) (purchase.Product, error) {
	product, ok := catalog.products[productID.String()]
	if !ok {
		return purchase.Product{}, purchase.ErrNotFound
	}
	return product, nil
}

type stubFamilies struct {
	profile purchase.ChildProfile
}

func (families *stubFamilies) ChildProfile(ctx context.Context, childID purchase.ChildID) (purchase.ChildProfile, error) {
	return families.profile, nil
}

func mustChildID(t *testing.T, raw string) progress.ChildID {
	t.Helper()
	value, err := progress.NewChildID(raw)
	if err != nil {
		t.Fatalf("child id: %v", err)
	}
	return value
}

func mustGameID(t *testing.T, raw string) progress.GameID {
	t.Helper()
	value, err := progress.NewGameID(raw)
	if err != nil {
		t.Fatalf("game id: %v", err)
	}
	return value
}

func mustDataKey(t *testing.T, raw string) progress.DataKey {
	t.Helper()
	value, err := progress.NewDataKey(raw)
	if err != nil {
		t.Fatalf("data key: %v", err)
	}
	return value
}

func mustDataValue(t *testing.T, raw string) progress.DataValue {
	t.Helper()
	value, err := progress.NewDataValue([]byte(raw))
	if err != nil {
		t.Fatalf("data value: %v", err)
	}
	return value
}

func mustWalletChildID(t *testing.T, raw string) wallet.ChildID {
	t.Helper()
	value, err := wallet.NewChildID(raw)
	if err != nil {
		t.Fatalf("wallet child id: %v", err)
	}
	return value
}

func mustCurrencyID(t *testing.T, raw string) wallet.CurrencyID {
	t.Helper()
	value, err := wallet.NewCurrencyID(raw)
	if err != nil {
		t.Fatalf("currency id: %v", err)
	}
	return value
}

func mustPurchaseChildID(t *testing.T, raw string) purchase.ChildID {
	t.Helper()
	value, err := purchase.NewChildID(raw)
	if err != nil {
		t.Fatalf("purchase child id: %v", err)
	}
	return value
}

func mustProductID(t *testing.T, raw string) purchase.ProductID {
	t.Helper()
	value, err := purchase.NewProductID(raw)
	if err != nil {
		t.Fatalf("product id: %v", err)
	}
	return value
}
