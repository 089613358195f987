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
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/MarkoPoloResearchLab/lessonpay/internal/chargeworker"
	"github.com/MarkoPoloResearchLab/lessonpay/internal/gateway/stripegateway"
	"github.com/MarkoPoloResearchLab/lessonpay/internal/httpserver"
	"github.com/MarkoPoloResearchLab/lessonpay/internal/notify"
	"github.com/MarkoPoloResearchLab/lessonpay/internal/oplog"
	"github.com/MarkoPoloResearchLab/lessonpay/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/lessonpay/pkg/booking"
)

const (
	flagDatabaseURL          = "database-url"
	flagListenAddr           = "listen-addr"
	flagAllowedOrigins       = "allowed-origins"
	flagStripeSecretKey      = "stripe-secret-key"
	flagTriggerSecret        = "trigger-secret"
	flagNotifyWebhookURL     = "notify-webhook-url"
	flagChargeWindowLead     = "charge-window-lead"
	flagChargeCutover        = "charge-cutover"
	flagWorkerInterval       = "worker-interval"
	flagReconcileInterval    = "reconcile-interval"
	configKeyDatabaseURL     = "database_url"
	configKeyListenAddr      = "listen_addr"
	configKeyAllowedOrigins  = "allowed_origins"
	configKeyStripeSecretKey = "stripe_secret_key"
	configKeyTriggerSecret   = "trigger_secret"
	configKeyNotifyWebhook   = "notify_webhook_url"
	configKeyWindowLead      = "charge_window_lead"
	configKeyChargeCutover   = "charge_cutover"
	configKeyWorkerInterval  = "worker_interval"
	configKeyReconcile       = "reconcile_interval"
	defaultDatabaseURL       = "sqlite:///tmp/lessonpay.db"
	defaultListenAddr        = ":8080"
	defaultWindowLead        = 2 * time.Hour
	defaultWorkerInterval    = 5 * time.Minute
	defaultReconcile         = 30 * time.Minute
)

type runtimeConfig struct {
	DatabaseURL       string
	ListenAddr        string
	AllowedOrigins    string
	StripeSecretKey   string
	TriggerSecret     string
	NotifyWebhookURL  string
	ChargeWindowLead  time.Duration
	ChargeCutover     int64
	WorkerInterval    time.Duration
	ReconcileInterval time.Duration
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "lessonpayd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "lessonpayd",
		Short:         "Mentor-lesson booking and deferred-charge payment server",
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

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL or SQLite connection string")
	cmd.Flags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	cmd.Flags().String(flagAllowedOrigins, "", "Comma-delimited CORS origins")
	cmd.Flags().String(flagStripeSecretKey, "", "Stripe secret key")
	cmd.Flags().String(flagTriggerSecret, "", "Shared secret for internal trigger endpoints")
	cmd.Flags().String(flagNotifyWebhookURL, "", "Webhook endpoint for cancellation notices")
	cmd.Flags().Duration(flagChargeWindowLead, defaultWindowLead, "How far before lesson start the deferred charge fires")
	cmd.Flags().Int64(flagChargeCutover, 0, "Unix time; bookings created before it are never batch-charged (0 disables)")
	cmd.Flags().Duration(flagWorkerInterval, defaultWorkerInterval, "Cadence of the scheduled charge executor")
	cmd.Flags().Duration(flagReconcileInterval, defaultReconcile, "Cadence of the reconciliation sweep")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	bindings := map[string]string{
		configKeyDatabaseURL:     "DATABASE_URL",
		configKeyListenAddr:      "LISTEN_ADDR",
		configKeyAllowedOrigins:  "ALLOWED_ORIGINS",
		configKeyStripeSecretKey: "STRIPE_SECRET_KEY",
		configKeyTriggerSecret:   "TRIGGER_SECRET",
		configKeyNotifyWebhook:   "NOTIFY_WEBHOOK_URL",
		configKeyWindowLead:      "CHARGE_WINDOW_LEAD",
		configKeyChargeCutover:   "CHARGE_CUTOVER",
		configKeyWorkerInterval:  "WORKER_INTERVAL",
		configKeyReconcile:       "RECONCILE_INTERVAL",
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
		configKeyStripeSecretKey: flagStripeSecretKey,
		configKeyTriggerSecret:   flagTriggerSecret,
		configKeyNotifyWebhook:   flagNotifyWebhookURL,
		configKeyWindowLead:      flagChargeWindowLead,
		configKeyChargeCutover:   flagChargeCutover,
		configKeyWorkerInterval:  flagWorkerInterval,
		configKeyReconcile:       flagReconcileInterval,
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
	cfg.AllowedOrigins = viper.GetString(configKeyAllowedOrigins)
	cfg.StripeSecretKey = viper.GetString(configKeyStripeSecretKey)
	cfg.TriggerSecret = viper.GetString(configKeyTriggerSecret)
	cfg.NotifyWebhookURL = viper.GetString(configKeyNotifyWebhook)
	cfg.ChargeWindowLead = viper.GetDuration(configKeyWindowLead)
	if cfg.ChargeWindowLead <= 0 {
		cfg.ChargeWindowLead = defaultWindowLead
	}
	cfg.ChargeCutover = viper.GetInt64(configKeyChargeCutover)
	cfg.WorkerInterval = viper.GetDuration(configKeyWorkerInterval)
	if cfg.WorkerInterval <= 0 {
		cfg.WorkerInterval = defaultWorkerInterval
	}
	cfg.ReconcileInterval = viper.GetDuration(configKeyReconcile)
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = defaultReconcile
	}

	if cfg.StripeSecretKey == "" {
		return fmt.Errorf("stripe secret key is required")
	}
	if cfg.TriggerSecret == "" {
		return fmt.Errorf("trigger secret is required")
	}
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
	defer func() { _ = cleanup() }()

	if err := prepareSchema(gormDB, driver); err != nil {
		return err
	}

	store := gormstore.New(gormDB)
	gateway, err := stripegateway.NewFromKey(cfg.StripeSecretKey)
	if err != nil {
		return fmt.Errorf("stripe gateway init: %w", err)
	}
	clock := func() int64 { return time.Now().UTC().Unix() }

	options := []booking.ServiceOption{
		booking.WithOperationLogger(oplog.New(logger)),
		booking.WithChargeWindow(booking.ChargeWindowConfig{
			Lead:           cfg.ChargeWindowLead,
			CutoverUnixUTC: cfg.ChargeCutover,
		}),
	}
	if cfg.NotifyWebhookURL != "" {
		options = append(options, booking.WithNotifier(notify.NewWebhookNotifier(cfg.NotifyWebhookURL, logger)))
	}
	bookingService, err := booking.NewService(store, gateway, clock, options...)
	if err != nil {
		return fmt.Errorf("booking service init: %w", err)
	}

	worker := chargeworker.New(bookingService, cfg.WorkerInterval, cfg.ReconcileInterval, logger)
	worker.Start(ctx)
	defer worker.Stop()

	serverCfg := httpserver.Config{
		ListenAddr:     cfg.ListenAddr,
		AllowedOrigins: httpserver.ParseAllowedOrigins(cfg.AllowedOrigins),
		TriggerSecret:  cfg.TriggerSecret,
	}
	return httpserver.Run(ctx, serverCfg, bookingService, logger)
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, string, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, "", err
	}

	var db *gorm.DB
	gormCfg := &gorm.Config{}
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), gormCfg)
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), gormCfg)
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
			path = "lessonpay.db"
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

func prepareSchema(db *gorm.DB, driver string) error {
	if driver != "sqlite" {
		return nil
	}
	if err := gormstore.Migrate(db); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}
