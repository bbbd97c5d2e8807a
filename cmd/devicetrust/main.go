package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/jwtauth/v5"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/jinzhu/copier"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/tendant/chi-demo/app"
	dbutils "github.com/tendant/db-utils/db"

	"github.com/tendant/devicetrust/pkg/api"
	"github.com/tendant/devicetrust/pkg/config"
	"github.com/tendant/devicetrust/pkg/idp/local"
	"github.com/tendant/devicetrust/pkg/ledger"
	"github.com/tendant/devicetrust/pkg/notification"
	"github.com/tendant/devicetrust/pkg/ratelimit"
	"github.com/tendant/devicetrust/pkg/stepup"
	"github.com/tendant/devicetrust/pkg/store"
	"github.com/tendant/devicetrust/pkg/store/inmem"
	"github.com/tendant/devicetrust/pkg/store/postgres"
	"github.com/tendant/devicetrust/pkg/utils"
)

type Config struct {
	BaseURL string `env:"BASE_URL" env-default:"http://localhost:4000"`

	// Store selects "postgres" or "memory".
	Store string `env:"DEVICETRUST_STORE" env-default:"memory"`

	JWTSecret string `env:"JWT_SECRET" env-default:"devicetrust-secret"`
	JWTIssuer string `env:"JWT_ISSUER" env-default:"devicetrust"`

	NotifyQueueSize int           `env:"NOTIFY_QUEUE_SIZE" env-default:"128"`
	PurgeInterval   time.Duration `env:"PURGE_INTERVAL" env-default:"10m"`

	Database  config.DatabaseConfig
	Email     config.EmailConfig
	Redis     config.RedisConfig
	RateLimit config.RateLimitConfig
	Ledger    config.LedgerConfig
	Trust     config.TrustConfig

	AppConfig app.AppConfig
}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		AddSource: true,
	}))
	slog.SetDefault(logger)

	loadEnvFile()

	cfg := Config{}
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		slog.Error("Failed to read configuration", "error", err)
		os.Exit(1)
	}

	trust := config.DefaultTrustConfig()
	if err := copier.CopyWithOption(&trust, &cfg.Trust, copier.Option{IgnoreEmpty: true}); err != nil {
		slog.Error("Failed to apply trust configuration", "error", err)
		os.Exit(1)
	}
	if err := trust.Validate(); err != nil {
		slog.Error("Invalid trust configuration", "error", err)
		os.Exit(1)
	}

	policies := stepup.DefaultPolicies()
	if trust.PolicyFile != "" {
		p, err := stepup.LoadPolicyFile(trust.PolicyFile)
		if err != nil {
			slog.Error("Failed to load step-up policy", "path", trust.PolicyFile, "error", err)
			os.Exit(1)
		}
		policies = p
	}

	ctx := context.Background()
	st, closeStore := openStore(ctx, cfg)
	defer closeStore()

	provider := local.New(cfg.JWTSecret,
		local.WithIssuer(cfg.JWTIssuer),
		local.WithSMSSender(func(ctx context.Context, phone, code string) error {
			slog.Info("SMS challenge ready for delivery", "phone", utils.MaskPhone(phone))
			return nil
		}),
	)

	notifications, err := notification.NewNotificationManager(cfg.BaseURL,
		notification.WithSMTP(cfg.Email.ToSMTPConfig()),
		notification.WithDefaultTemplates(),
	)
	if err != nil {
		slog.Error("Failed to initialize notification manager", "error", err)
		os.Exit(1)
	}
	dispatcher := notification.NewDispatcher(notifications, provider.EmailFor, cfg.NotifyQueueSize)
	defer dispatcher.Close()

	events := ledger.New(st, cfg.Ledger)
	defer events.Close()

	engine, err := stepup.NewEngine(trust, stepup.Dependencies{
		Store:    st,
		Provider: provider,
		Accounts: provider,
		Policies: policies,
		Alerter:  dispatcher,
		Events:   events,
	})
	if err != nil {
		slog.Error("Failed to initialize device trust engine", "error", err)
		os.Exit(1)
	}

	var opts []api.Option
	opts = append(opts, api.WithLogin(provider))
	if cfg.RateLimit.Enabled {
		var rdb redis.Cmdable
		if cfg.Redis.Enabled() {
			client := redis.NewClient(&redis.Options{
				Addr:     cfg.Redis.Address,
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
				PoolSize: cfg.Redis.PoolSize,
			})
			defer client.Close()
			if err := client.Ping(ctx).Err(); err != nil {
				slog.Warn("Redis unreachable, throttle checks will fail open until it recovers", "addr", cfg.Redis.Address, "error", err)
			}
			rdb = client
		}
		rl := cfg.RateLimit
		opts = append(opts, api.WithThrottlers(
			ratelimit.NewThrottler("general", rl.PerIPCapacity, rl.PerIPRefillRate, rl.Window, rl.BucketTTL, rdb),
			ratelimit.NewThrottler("verify", rl.VerifyCapacity, rl.VerifyRefillRate, rl.Window, rl.BucketTTL, rdb),
			ratelimit.NewThrottler("issue", rl.IssueCapacity, rl.IssueRefillRate, rl.Window, rl.BucketTTL, rdb),
		))
	}

	stopPurge := startPurge(engine, provider, cfg.PurgeInterval)
	defer stopPurge()

	server := app.DefaultApp()
	app.RoutesHealthz(server.R)
	app.RoutesHealthzReady(server.R)
	api.NewHandle(engine, jwtauth.New("HS256", []byte(cfg.JWTSecret), nil), provider, opts...).Routes(server.R)

	slog.Info("Device trust service ready",
		"base_url", cfg.BaseURL,
		"store", cfg.Store,
		"grace_period", trust.GracePeriod,
		"methods", trust.EnabledMethods,
	)
	server.Run()
}

func openStore(ctx context.Context, cfg Config) (store.Store, func()) {
	if cfg.Store != "postgres" {
		slog.Warn("Using in-memory store, device sessions are lost on restart")
		return inmem.New(), func() {}
	}

	pool, err := dbutils.NewDbPool(ctx, cfg.Database.ToDbConfig())
	if err != nil {
		slog.Error("Failed to connect to database",
			"host", cfg.Database.Host,
			"port", cfg.Database.Port,
			"database", cfg.Database.Database,
			"error", err)
		os.Exit(1)
	}
	if err := postgres.Migrate(ctx, pool); err != nil {
		slog.Error("Failed to migrate database", "error", err)
		pool.Close()
		os.Exit(1)
	}
	return postgres.New(pool), pool.Close
}

// startPurge removes expired verification codes and stale revocations on a ticker.
func startPurge(engine *stepup.Engine, provider *local.Provider, every time.Duration) func() {
	if every <= 0 {
		return func() {}
	}
	ticker := time.NewTicker(every)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
				n, err := engine.PurgeExpiredCodes(ctx)
				cancel()
				if err != nil {
					slog.Error("Failed to purge expired verification codes", "error", err)
				}
				slog.Debug("Purge finished", "codes", n, "revocations", provider.PurgeRevoked())
			}
		}
	}()
	return func() {
		ticker.Stop()
		close(done)
	}
}

func loadEnvFile() {
	execPath, err := os.Executable()
	if err != nil {
		return
	}

	envFile := filepath.Join(filepath.Dir(execPath), ".env")
	if _, err := os.Stat(envFile); os.IsNotExist(err) {
		cwd, _ := os.Getwd()
		envFile = filepath.Join(cwd, ".env")
	}
	if _, err := os.Stat(envFile); os.IsNotExist(err) {
		slog.Debug("No .env file found (using environment variables or defaults)")
		return
	}

	slog.Info("Loading configuration from .env file", "path", envFile)
	if err := godotenv.Load(envFile); err != nil {
		slog.Warn("Failed to load .env file", "error", err)
	}
}
