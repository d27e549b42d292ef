package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/MarkoPoloResearchLab/playledger/internal/httpapi"
	"github.com/MarkoPoloResearchLab/playledger/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/playledger/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/playledger/pkg/achievement"
	"github.com/MarkoPoloResearchLab/playledger/pkg/progress"
	"github.com/MarkoPoloResearchLab/playledger/pkg/purchase"
	"github.com/MarkoPoloResearchLab/playledger/pkg/wallet"
)

const (
	flagDatabaseURL     = "database-url"
	flagListenAddr      = "listen-addr"
	flagAllowedOrigins  = "allowed-origins"
	flagApprovalWindow  = "approval-window"
	flagExpirySweepSpec = "expiry-sweep-spec"
	flagStoreConfig     = "store-config"
	flagAutoApprove     = "auto-approve-threshold-cents"

	configKeyDatabaseURL     = "database_url"
	configKeyListenAddr      = "listen_addr"
	configKeyAllowedOrigins  = "allowed_origins"
	configKeyApprovalWindow  = "approval_window"
	configKeyExpirySweepSpec = "expiry_sweep_spec"
	configKeyStoreConfig     = "store_config"
	configKeyAutoApprove     = "auto_approve_threshold"

	defaultDatabaseURL     = "sqlite:///tmp/playledger.db"
	defaultListenAddr      = ":8080"
	defaultApprovalWindow  = 7 * 24 * time.Hour
	defaultExpirySweepSpec = "@hourly"
)

type runtimeConfig struct {
	DatabaseURL      string
	ListenAddr       string
	AllowedOrigins   []string
	ApprovalWindow   time.Duration
	ExpirySweepSpec  string
	StoreConfigPath  string
	AutoApproveCents int64
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "progressd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "progressd",
		Short:         "Child game progress and virtual economy server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL connection string or sqlite path")
	cmd.Flags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	cmd.Flags().String(flagAllowedOrigins, "", "comma separated CORS origins")
	cmd.Flags().Duration(flagApprovalWindow, defaultApprovalWindow, "how long purchases may await parent approval")
	cmd.Flags().String(flagExpirySweepSpec, defaultExpirySweepSpec, "cron spec for the approval expiry sweep")
	cmd.Flags().String(flagStoreConfig, "", "path to the product catalog and family profile JSON file")
	cmd.Flags().Int64(flagAutoApprove, 0, "default auto-approval threshold in cents for families without one")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	bindings := map[string]string{
		configKeyDatabaseURL:     "DATABASE_URL",
		configKeyListenAddr:      "LISTEN_ADDR",
		configKeyAllowedOrigins:  "ALLOWED_ORIGINS",
		configKeyApprovalWindow:  "APPROVAL_WINDOW",
		configKeyExpirySweepSpec: "EXPIRY_SWEEP_SPEC",
		configKeyStoreConfig:     "STORE_CONFIG",
		configKeyAutoApprove:     "AUTO_APPROVE_THRESHOLD",
	}
	for key, env := range bindings {
		if err := viper.BindEnv(key, env); err != nil {
			return err
		}
	}

	flags := map[string]string{
		configKeyDatabaseURL:     flagDatabaseURL,
		configKeyListenAddr:      flagListenAddr,
		configKeyAllowedOrigins:  flagAllowedOrigins,
		configKeyApprovalWindow:  flagApprovalWindow,
		configKeyExpirySweepSpec: flagExpirySweepSpec,
		configKeyStoreConfig:     flagStoreConfig,
		configKeyAutoApprove:     flagAutoApprove,
	}
	for key, flag := range flags {
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = viper.GetString(configKeyDatabaseURL)
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	cfg.ListenAddr = viper.GetString(configKeyListenAddr)
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaultListenAddr
	}
	cfg.AllowedOrigins = httpapi.ParseAllowedOrigins(viper.GetString(configKeyAllowedOrigins))
	cfg.ApprovalWindow = viper.GetDuration(configKeyApprovalWindow)
	if cfg.ApprovalWindow <= 0 {
		cfg.ApprovalWindow = defaultApprovalWindow
	}
	cfg.ExpirySweepSpec = viper.GetString(configKeyExpirySweepSpec)
	if cfg.ExpirySweepSpec == "" {
		cfg.ExpirySweepSpec = defaultExpirySweepSpec
	}
	cfg.StoreConfigPath = viper.GetString(configKeyStoreConfig)
	cfg.AutoApproveCents = viper.GetInt64(configKeyAutoApprove)
	return nil
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	gormDB, cleanup, driver, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer cleanup()

	store := gormstore.New(gormDB)
	if err := prepareSchema(store, driver); err != nil {
		return err
	}

	storeConfig, err := loadStoreConfig(cfg.StoreConfigPath)
	if err != nil {
		return fmt.Errorf("store config: %w", err)
	}
	if storeConfig.DefaultProfile.AutoApproveThresholdCents == 0 {
		storeConfig.DefaultProfile.AutoApproveThresholdCents = cfg.AutoApproveCents
	}

	// On postgres the direct wallet path runs on pgx instead of the ORM.
	// Cross-service writes still flow through the shared gorm transaction.
	walletStore := store.Wallet()
	if driver == "postgres" {
		pool, poolErr := pgxpool.New(ctx, cfg.DatabaseURL)
		if poolErr != nil {
			return fmt.Errorf("pgx pool: %w", poolErr)
		}
		defer pool.Close()
		walletStore = pgstore.New(pool)
	}

	clock := func() int64 { return time.Now().UTC().Unix() }
	walletService, err := wallet.NewService(walletStore, clock)
	if err != nil {
		return fmt.Errorf("wallet service init: %w", err)
	}
	progressService, err := progress.NewService(store.Progress(), achievement.NewEngine(nil), walletService, store, clock, progress.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("progress service init: %w", err)
	}
	purchaseService, err := purchase.NewService(
		store.Purchase(),
		walletService,
		newFileCatalog(storeConfig),
		newFileFamilies(storeConfig),
		clock,
		purchase.WithApprovalWindow(cfg.ApprovalWindow),
		purchase.WithNotifier(&logNotifier{logger: logger}),
	)
	if err != nil {
		return fmt.Errorf("purchase service init: %w", err)
	}

	sweeper := cron.New()
	if _, err := sweeper.AddFunc(cfg.ExpirySweepSpec, func() {
		expired, sweepErr := purchaseService.ExpireStale(context.Background())
		if sweepErr != nil {
			logger.Warn("approval expiry sweep failed", zap.Error(sweepErr))
			return
		}
		if expired > 0 {
			logger.Info("expired stale approvals", zap.Int64("count", expired))
		}
	}); err != nil {
		return fmt.Errorf("expiry sweep spec: %w", err)
	}
	sweeper.Start()
	defer sweeper.Stop()

	apiConfig := httpapi.Config{
		ListenAddr:     cfg.ListenAddr,
		AllowedOrigins: cfg.AllowedOrigins,
	}
	services := httpapi.Services{
		Progress:    progressService,
		Wallet:      walletService,
		Purchase:    purchaseService,
		Definitions: store,
	}
	return httpapi.Run(ctx, apiConfig, logger, services)
}

// logNotifier is the default Notifier: it records approval requests and
// completions in the server log until a push channel is wired up.
type logNotifier struct {
	logger *zap.Logger
}

func (notifier *logNotifier) ApprovalRequested(_ context.Context, transaction purchase.Transaction) {
	notifier.logger.Info("purchase awaiting parent approval",
		zap.String("transaction_id", transaction.TransactionID.String()),
		zap.String("child_id", transaction.ChildID.String()),
		zap.String("product_id", transaction.ProductID.String()),
		zap.Int64("price_cents", transaction.PriceCents))
}

func (notifier *logNotifier) PurchaseCompleted(_ context.Context, transaction purchase.Transaction) {
	notifier.logger.Info("purchase completed",
		zap.String("transaction_id", transaction.TransactionID.String()),
		zap.String("child_id", transaction.ChildID.String()),
		zap.String("product_id", transaction.ProductID.String()))
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, string, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, "", err
	}

	var db *gorm.DB
	cfg := &gorm.Config{}
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), cfg)
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), cfg)
	default:
		return nil, nil, "", fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, "", err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, "", err
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, driver, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres", "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "playledger.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return "sqlite", sqlitePath, err
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return "sqlite", sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}

func prepareSchema(store *gormstore.Store, driver string) error {
	if driver != "sqlite" {
		return nil
	}
	if err := store.AutoMigrate(); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}
