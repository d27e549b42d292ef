package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/playledger/pkg/achievement"
	"github.com/MarkoPoloResearchLab/playledger/pkg/progress"
	"github.com/MarkoPoloResearchLab/playledger/pkg/purchase"
	"github.com/MarkoPoloResearchLab/playledger/pkg/wallet"
)

// DefinitionAdmin saves achievement definitions for a game.
type DefinitionAdmin interface {
	UpsertDefinition(ctx context.Context, gameID progress.GameID, definition achievement.Definition, enabled bool) error
}

// Services bundles the domain services the HTTP facade exposes.
type Services struct {
	Progress    *progress.Service
	Wallet      *wallet.Service
	Purchase    *purchase.Service
	Definitions DefinitionAdmin
}

// Run boots the HTTP facade using the supplied configuration and services.
func Run(ctx context.Context, cfg Config, logger *zap.Logger, services Services) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if services.Progress == nil || services.Wallet == nil || services.Purchase == nil {
		return errors.New("progress, wallet and purchase services are required")
	}

	handler := &httpHandler{
		logger:   logger,
		services: services,
	}

	router := setupRouter(cfg, handler)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("progress api listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func setupRouter(cfg Config, handler *httpHandler) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")

	api.POST("/children/:child_id/games/:game_id/unlock", handler.handleUnlockGame)
	api.GET("/children/:child_id/purchases", handler.handleListPurchases)
	api.GET("/children/:child_id/wallet/:currency_id", handler.handleBalance)
	api.GET("/children/:child_id/wallet/:currency_id/entries", handler.handleEntries)
	api.POST("/children/:child_id/wallet/:currency_id/grant", handler.handleGrant)
	api.POST("/children/:child_id/wallet/:currency_id/reconcile", handler.handleReconcile)

	api.GET("/instances/:instance_id", handler.handleGetInstance)
	api.PUT("/instances/:instance_id/settings", handler.handleUpdateSettings)
	api.POST("/instances/:instance_id/archive", handler.handleArchiveInstance)
	api.GET("/instances/:instance_id/data", handler.handleListData)
	api.POST("/instances/:instance_id/data", handler.handleWriteBatch)
	api.DELETE("/instances/:instance_id/data", handler.handleEraseData)
	api.GET("/instances/:instance_id/data/:key", handler.handleReadData)
	api.PUT("/instances/:instance_id/data/:key", handler.handleWriteData)
	api.DELETE("/instances/:instance_id/data/:key", handler.handleDeleteData)
	api.POST("/instances/:instance_id/sessions", handler.handleStartSession)

	api.POST("/sessions/:session_id/events", handler.handleSessionEvents)
	api.POST("/sessions/:session_id/end", handler.handleEndSession)

	api.POST("/purchases", handler.handleInitiatePurchase)
	api.GET("/purchases/:transaction_id", handler.handleGetPurchase)
	api.POST("/purchases/:transaction_id/approval", handler.handleApproval)
	api.POST("/purchases/:transaction_id/complete", handler.handleCompletePurchase)

	api.PUT("/admin/games/:game_id/achievements/:achievement_id", handler.handleUpsertDefinition)

	return router
}

type httpHandler struct {
	logger   *zap.Logger
	services Services
}

type unlockGameRequest struct {
	Settings json.RawMessage `json:"settings"`
}

func (handler *httpHandler) handleUnlockGame(ctx *gin.Context) {
	childID, err := progress.NewChildID(ctx.Param("child_id"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_child_id", err.Error()))
		return
	}
	gameID, err := progress.NewGameID(ctx.Param("game_id"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_game_id", err.Error()))
		return
	}
	var request unlockGameRequest
	if err := bindOptionalJSON(ctx, &request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	instance, err := handler.services.Progress.UnlockGame(ctx.Request.Context(), childID, gameID, request.Settings)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, instanceBody(instance))
}

func (handler *httpHandler) handleGetInstance(ctx *gin.Context) {
	instanceID, err := progress.NewInstanceID(ctx.Param("instance_id"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_instance_id", err.Error()))
		return
	}
	instance, err := handler.services.Progress.GetInstance(ctx.Request.Context(), instanceID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, instanceBody(instance))
}

type updateSettingsRequest struct {
	Settings    json.RawMessage `json:"settings"`
	Preferences json.RawMessage `json:"preferences"`
}

func (handler *httpHandler) handleUpdateSettings(ctx *gin.Context) {
	instanceID, err := progress.NewInstanceID(ctx.Param("instance_id"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_instance_id", err.Error()))
		return
	}
	var request updateSettingsRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	if err := handler.services.Progress.UpdateSettings(ctx.Request.Context(), instanceID, request.Settings, request.Preferences); err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (handler *httpHandler) handleArchiveInstance(ctx *gin.Context) {
	instanceID, err := progress.NewInstanceID(ctx.Param("instance_id"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_instance_id", err.Error()))
		return
	}
	if err := handler.services.Progress.ArchiveInstance(ctx.Request.Context(), instanceID); err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (handler *httpHandler) handleReadData(ctx *gin.Context) {
	instanceID, key, ok := handler.bindDataPath(ctx)
	if !ok {
		return
	}
	record, err := handler.services.Progress.ReadData(ctx.Request.Context(), instanceID, key)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, recordBody(record))
}

func (handler *httpHandler) handleListData(ctx *gin.Context) {
	instanceID, err := progress.NewInstanceID(ctx.Param("instance_id"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_instance_id", err.Error()))
		return
	}
	records, err := handler.services.Progress.ListData(ctx.Request.Context(), instanceID, ctx.Query("prefix"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	bodies := make([]gin.H, 0, len(records))
	for _, record := range records {
		bodies = append(bodies, recordBody(record))
	}
	ctx.JSON(http.StatusOK, gin.H{"records": bodies})
}

type writeDataRequest struct {
	ExpectedVersion int64           `json:"expected_version"`
	Value           json.RawMessage `json:"value"`
}

func (handler *httpHandler) handleWriteData(ctx *gin.Context) {
	instanceID, key, ok := handler.bindDataPath(ctx)
	if !ok {
		return
	}
	var request writeDataRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	value, err := progress.NewDataValue(request.Value)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_value", err.Error()))
		return
	}
	version, err := handler.services.Progress.WriteData(ctx.Request.Context(), instanceID, key, progress.Version(request.ExpectedVersion), value)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"version": int64(version)})
}

type batchWriteRequest struct {
	Writes []struct {
		Key             string          `json:"key"`
		ExpectedVersion int64           `json:"expected_version"`
		Value           json.RawMessage `json:"value"`
	} `json:"writes"`
}

func (handler *httpHandler) handleWriteBatch(ctx *gin.Context) {
	instanceID, err := progress.NewInstanceID(ctx.Param("instance_id"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_instance_id", err.Error()))
		return
	}
	var request batchWriteRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	writes := make([]progress.KeyedWrite, 0, len(request.Writes))
	for _, item := range request.Writes {
		key, err := progress.NewDataKey(item.Key)
		if err != nil {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_key", err.Error()))
			return
		}
		value, err := progress.NewDataValue(item.Value)
		if err != nil {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_value", err.Error()))
			return
		}
		writes = append(writes, progress.KeyedWrite{
			Key:             key,
			ExpectedVersion: progress.Version(item.ExpectedVersion),
			Value:           value,
		})
	}
	versions, err := handler.services.Progress.WriteBatch(ctx.Request.Context(), instanceID, writes)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	raw := make([]int64, 0, len(versions))
	for _, version := range versions {
		raw = append(raw, int64(version))
	}
	ctx.JSON(http.StatusOK, gin.H{"versions": raw})
}

func (handler *httpHandler) handleDeleteData(ctx *gin.Context) {
	instanceID, key, ok := handler.bindDataPath(ctx)
	if !ok {
		return
	}
	if err := handler.services.Progress.DeleteData(ctx.Request.Context(), instanceID, key); err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (handler *httpHandler) handleEraseData(ctx *gin.Context) {
	instanceID, err := progress.NewInstanceID(ctx.Param("instance_id"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_instance_id", err.Error()))
		return
	}
	deleted, err := handler.services.Progress.EraseInstanceData(ctx.Request.Context(), instanceID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"deleted": deleted})
}

func (handler *httpHandler) handleStartSession(ctx *gin.Context) {
	instanceID, err := progress.NewInstanceID(ctx.Param("instance_id"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_instance_id", err.Error()))
		return
	}
	started, err := handler.services.Progress.StartSession(ctx.Request.Context(), instanceID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"session":  sessionBody(started.Session),
		"settings": rawOrNull(started.Settings),
		"snapshot": started.Snapshot,
	})
}

type sessionEventsRequest struct {
	Seq     int64               `json:"seq"`
	Metrics achievement.Metrics `json:"metrics"`
}

func (handler *httpHandler) handleSessionEvents(ctx *gin.Context) {
	sessionID, err := progress.NewSessionID(ctx.Param("session_id"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_session_id", err.Error()))
		return
	}
	var request sessionEventsRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	session, err := handler.services.Progress.RecordSessionEvents(ctx.Request.Context(), sessionID, request.Seq, request.Metrics)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, sessionBody(session))
}

type endSessionRequest struct {
	Metrics achievement.Metrics `json:"metrics"`
}

func (handler *httpHandler) handleEndSession(ctx *gin.Context) {
	sessionID, err := progress.NewSessionID(ctx.Param("session_id"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_session_id", err.Error()))
		return
	}
	var request endSessionRequest
	if err := bindOptionalJSON(ctx, &request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	session, err := handler.services.Progress.EndSession(ctx.Request.Context(), sessionID, request.Metrics)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, sessionBody(session))
}

func (handler *httpHandler) handleBalance(ctx *gin.Context) {
	childID, currencyID, ok := handler.bindWalletPath(ctx)
	if !ok {
		return
	}
	balance, err := handler.services.Wallet.Balance(ctx.Request.Context(), childID, currencyID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"current":         balance.Current,
		"lifetime_earned": balance.LifetimeEarned,
		"lifetime_spent":  balance.LifetimeSpent,
	})
}

func (handler *httpHandler) handleEntries(ctx *gin.Context) {
	childID, currencyID, ok := handler.bindWalletPath(ctx)
	if !ok {
		return
	}
	before := queryInt64(ctx, "before", 0)
	limit := queryLimit(ctx)
	entries, err := handler.services.Wallet.ListEntries(ctx.Request.Context(), childID, currencyID, before, limit)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	bodies := make([]gin.H, 0, len(entries))
	for _, entry := range entries {
		bodies = append(bodies, entryBody(entry))
	}
	ctx.JSON(http.StatusOK, gin.H{"entries": bodies})
}

type grantRequest struct {
	Amount   int64  `json:"amount"`
	SourceID string `json:"source_id"`
}

func (handler *httpHandler) handleGrant(ctx *gin.Context) {
	childID, currencyID, ok := handler.bindWalletPath(ctx)
	if !ok {
		return
	}
	var request grantRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	amount, err := wallet.NewAmount(request.Amount)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_amount", err.Error()))
		return
	}
	source, err := wallet.NewSource(wallet.SourceGrant, request.SourceID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_source", err.Error()))
		return
	}
	entry, err := handler.services.Wallet.Credit(ctx.Request.Context(), childID, currencyID, amount, source)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, entryBody(entry))
}

func (handler *httpHandler) handleReconcile(ctx *gin.Context) {
	childID, currencyID, ok := handler.bindWalletPath(ctx)
	if !ok {
		return
	}
	result, err := handler.services.Wallet.Reconcile(ctx.Request.Context(), childID, currencyID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"ledger_sum":   result.LedgerSum,
		"materialized": result.Materialized,
		"consistent":   result.Consistent,
	})
}

type initiatePurchaseRequest struct {
	ChildID   string `json:"child_id"`
	ProductID string `json:"product_id"`
	Method    string `json:"method"`
}

func (handler *httpHandler) handleInitiatePurchase(ctx *gin.Context) {
	var request initiatePurchaseRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	childID, err := purchase.NewChildID(request.ChildID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_child_id", err.Error()))
		return
	}
	productID, err := purchase.NewProductID(request.ProductID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_product_id", err.Error()))
		return
	}
	method, err := purchase.NewPaymentMethod(request.Method)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_method", err.Error()))
		return
	}
	transaction, err := handler.services.Purchase.Initiate(ctx.Request.Context(), childID, productID, method)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, transactionBody(transaction))
}

type approvalRequest struct {
	Approved bool   `json:"approved"`
	Method   string `json:"method"`
}

func (handler *httpHandler) handleApproval(ctx *gin.Context) {
	transactionID, err := purchase.NewTransactionID(ctx.Param("transaction_id"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_transaction_id", err.Error()))
		return
	}
	var request approvalRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	transaction, err := handler.services.Purchase.RecordApproval(ctx.Request.Context(), transactionID, request.Approved, purchase.PaymentMethod(request.Method))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, transactionBody(transaction))
}

func (handler *httpHandler) handleCompletePurchase(ctx *gin.Context) {
	transactionID, err := purchase.NewTransactionID(ctx.Param("transaction_id"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_transaction_id", err.Error()))
		return
	}
	transaction, err := handler.services.Purchase.Complete(ctx.Request.Context(), transactionID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, transactionBody(transaction))
}

func (handler *httpHandler) handleGetPurchase(ctx *gin.Context) {
	transactionID, err := purchase.NewTransactionID(ctx.Param("transaction_id"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_transaction_id", err.Error()))
		return
	}
	transaction, err := handler.services.Purchase.Get(ctx.Request.Context(), transactionID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, transactionBody(transaction))
}

func (handler *httpHandler) handleListPurchases(ctx *gin.Context) {
	childID, err := purchase.NewChildID(ctx.Param("child_id"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_child_id", err.Error()))
		return
	}
	limit := queryLimit(ctx)
	transactions, err := handler.services.Purchase.List(ctx.Request.Context(), childID, limit)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	bodies := make([]gin.H, 0, len(transactions))
	for _, transaction := range transactions {
		bodies = append(bodies, transactionBody(transaction))
	}
	ctx.JSON(http.StatusOK, gin.H{"transactions": bodies})
}

type upsertDefinitionRequest struct {
	Kind             string          `json:"kind"`
	Params           json.RawMessage `json:"params"`
	RewardCurrencyID string          `json:"reward_currency_id"`
	RewardAmount     int64           `json:"reward_amount"`
	Enabled          *bool           `json:"enabled"`
}

func (handler *httpHandler) handleUpsertDefinition(ctx *gin.Context) {
	if handler.services.Definitions == nil {
		ctx.JSON(http.StatusNotImplemented, errorResponse("unsupported", "definition admin is not configured"))
		return
	}
	gameID, err := progress.NewGameID(ctx.Param("game_id"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_game_id", err.Error()))
		return
	}
	achievementID := ctx.Param("achievement_id")
	var request upsertDefinitionRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	kind, err := achievement.NewCriterionKind(request.Kind)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_kind", err.Error()))
		return
	}
	definition := achievement.Definition{
		AchievementID: achievementID,
		Kind:          kind,
		Params:        request.Params,
	}
	if request.RewardCurrencyID != "" {
		definition.Reward = &achievement.Reward{
			CurrencyID: request.RewardCurrencyID,
			Amount:     request.RewardAmount,
		}
	}
	enabled := true
	if request.Enabled != nil {
		enabled = *request.Enabled
	}
	if err := handler.services.Definitions.UpsertDefinition(ctx.Request.Context(), gameID, definition, enabled); err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (handler *httpHandler) bindDataPath(ctx *gin.Context) (progress.InstanceID, progress.DataKey, bool) {
	instanceID, err := progress.NewInstanceID(ctx.Param("instance_id"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_instance_id", err.Error()))
		return progress.InstanceID{}, progress.DataKey{}, false
	}
	key, err := progress.NewDataKey(ctx.Param("key"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_key", err.Error()))
		return progress.InstanceID{}, progress.DataKey{}, false
	}
	return instanceID, key, true
}

func (handler *httpHandler) bindWalletPath(ctx *gin.Context) (wallet.ChildID, wallet.CurrencyID, bool) {
	childID, err := wallet.NewChildID(ctx.Param("child_id"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_child_id", err.Error()))
		return wallet.ChildID{}, wallet.CurrencyID{}, false
	}
	currencyID, err := wallet.NewCurrencyID(ctx.Param("currency_id"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_currency_id", err.Error()))
		return wallet.ChildID{}, wallet.CurrencyID{}, false
	}
	return childID, currencyID, true
}

// respondError translates domain errors into transport status codes.
func (handler *httpHandler) respondError(ctx *gin.Context, err error) {
	switch {
	case errors.Is(err, progress.ErrNotFound) || errors.Is(err, purchase.ErrNotFound):
		ctx.JSON(http.StatusNotFound, errorResponse("not_found", err.Error()))
	case errors.Is(err, progress.ErrVersionConflict):
		ctx.JSON(http.StatusConflict, errorResponse("version_conflict", err.Error()))
	case errors.Is(err, progress.ErrInstanceArchived):
		ctx.JSON(http.StatusConflict, errorResponse("instance_archived", err.Error()))
	case errors.Is(err, progress.ErrSessionEnded):
		ctx.JSON(http.StatusConflict, errorResponse("session_ended", err.Error()))
	case errors.Is(err, purchase.ErrInvalidTransition):
		ctx.JSON(http.StatusConflict, errorResponse("invalid_transition", err.Error()))
	case errors.Is(err, wallet.ErrInsufficientBalance):
		ctx.JSON(http.StatusConflict, errorResponse("insufficient_balance", err.Error()))
	case errors.Is(err, purchase.ErrSpendingLimitExceeded):
		ctx.JSON(http.StatusForbidden, errorResponse("spending_limit_exceeded", err.Error()))
	case errors.Is(err, purchase.ErrAgeRestricted):
		ctx.JSON(http.StatusForbidden, errorResponse("age_restricted", err.Error()))
	case errors.Is(err, purchase.ErrProductUnavailable):
		ctx.JSON(http.StatusUnprocessableEntity, errorResponse("product_unavailable", err.Error()))
	case errors.Is(err, purchase.ErrApprovalExpired):
		ctx.JSON(http.StatusGone, errorResponse("approval_expired", err.Error()))
	case errors.Is(err, purchase.ErrPaymentFailed):
		ctx.JSON(http.StatusPaymentRequired, errorResponse("payment_failed", err.Error()))
	default:
		handler.logger.Error("request failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal", "internal error"))
	}
}

func errorResponse(code string, message string) gin.H {
	return gin.H{"error": code, "message": message}
}

// bindOptionalJSON binds a JSON body when one is present and accepts an
// empty body.
func bindOptionalJSON(ctx *gin.Context, target any) error {
	if ctx.Request.Body == nil || ctx.Request.ContentLength == 0 {
		return nil
	}
	return ctx.ShouldBindJSON(target)
}

// queryLimit reads the page size, falling back to the default for missing,
// malformed, zero or negative values.
func queryLimit(ctx *gin.Context) int {
	limit := int(queryInt64(ctx, "limit", defaultHistoryLimit))
	if limit <= 0 {
		return defaultHistoryLimit
	}
	return limit
}

func queryInt64(ctx *gin.Context, name string, fallback int64) int64 {
	raw := ctx.Query(name)
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func rawOrNull(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("null")
	}
	return raw
}

func instanceBody(instance progress.Instance) gin.H {
	return gin.H{
		"instance_id":        instance.InstanceID.String(),
		"child_id":           instance.ChildID.String(),
		"game_id":            instance.GameID.String(),
		"settings":           rawOrNull(instance.Settings),
		"preferences":        rawOrNull(instance.Preferences),
		"unlocked_at_unix":   instance.UnlockedAtUnixUTC,
		"first_played_unix":  instance.FirstPlayedUnixUTC,
		"last_played_unix":   instance.LastPlayedUnixUTC,
		"play_time_seconds":  instance.PlayTimeSeconds,
		"session_count":      instance.SessionCount,
		"completion_percent": instance.CompletionPercent,
		"archived_at_unix":   instance.ArchivedAtUnixUTC,
	}
}

func recordBody(record progress.DataRecord) gin.H {
	return gin.H{
		"key":          record.Key.String(),
		"value":        json.RawMessage(record.Value.Raw()),
		"version":      int64(record.Version),
		"created_unix": record.CreatedUnixUTC,
		"updated_unix": record.UpdatedUnixUTC,
	}
}

func sessionBody(session progress.Session) gin.H {
	return gin.H{
		"session_id":       session.SessionID.String(),
		"instance_id":      session.InstanceID.String(),
		"start_unix":       session.StartUnixUTC,
		"end_unix":         session.EndUnixUTC,
		"duration_seconds": session.DurationSeconds,
		"metrics":          session.Metrics,
		"state":            string(session.State),
		"last_seq":         session.LastSeq,
	}
}

func entryBody(entry wallet.Entry) gin.H {
	return gin.H{
		"entry_id":       entry.EntryID,
		"child_id":       entry.ChildID.String(),
		"currency_id":    entry.CurrencyID.String(),
		"amount":         entry.Amount,
		"balance_before": entry.BalanceBefore,
		"balance_after":  entry.BalanceAfter,
		"source_type":    string(entry.Source.Type),
		"source_id":      entry.Source.ID,
		"created_unix":   entry.CreatedUnixUTC,
	}
}

func transactionBody(transaction purchase.Transaction) gin.H {
	return gin.H{
		"transaction_id": transaction.TransactionID.String(),
		"child_id":       transaction.ChildID.String(),
		"product_id":     transaction.ProductID.String(),
		"category":       transaction.Category,
		"currency_id":    transaction.CurrencyID,
		"price_amount":   transaction.PriceAmount,
		"price_cents":    transaction.PriceCents,
		"method":         string(transaction.Method),
		"status":         string(transaction.Status),
		"failure_reason": transaction.FailureReason,
		"processor_ref":  transaction.ProcessorRef,
		"created_unix":   transaction.CreatedUnixUTC,
		"resolved_unix":  transaction.ResolvedUnixUTC,
	}
}
