package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
	"github.com/twmb/franz-go/pkg/kgo"

	"payment-orchestration-engine/internal/adapters/storage/clickhouse"
	"payment-orchestration-engine/internal/adapters/storage/postgres"
	"payment-orchestration-engine/internal/config"
	"payment-orchestration-engine/internal/observability"
)

// Check describes one diagnostic check
type Check struct {
	Name     string
	Func     func(ctx context.Context) error
	Optional bool
	Error    error
	Skipped  bool
	Duration time.Duration
}

var errNotConfigured = fmt.Errorf("not configured")

func main() {
	logger := observability.SetupLogger("development", "warn")
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	serviceURL := "http://localhost:" + strings.TrimPrefix(cfg.Server.Port, ":")
	checks := []Check{
		{Name: "Payment service", Func: func(ctx context.Context) error {
			return checkHTTPHealth(ctx, serviceURL+"/health", logger)
		}},
		{Name: "PostgreSQL", Func: func(ctx context.Context) error {
			return checkPostgres(ctx, cfg.Postgres.DSN, logger)
		}},
		{Name: "Event store schema", Func: func(ctx context.Context) error {
			return checkMigrations(cfg.Postgres.DSN)
		}},
		{Name: "Redis", Func: func(ctx context.Context) error {
			return checkRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, logger)
		}},
		{Name: "Kafka", Func: func(ctx context.Context) error {
			return checkKafka(ctx, strings.Split(cfg.Kafka.BootstrapServers, ","))
		}},
		{Name: "ClickHouse", Optional: true, Func: func(ctx context.Context) error {
			if cfg.ClickHouse.Addr == "" {
				return errNotConfigured
			}
			return checkClickHouse(ctx, clickhouse.Options{
				Addr:     cfg.ClickHouse.Addr,
				Database: cfg.ClickHouse.Database,
				Username: cfg.ClickHouse.Username,
				Password: cfg.ClickHouse.Password,
			}, logger)
		}},
		{Name: "Fraud scorer", Optional: true, Func: func(ctx context.Context) error {
			if cfg.AntiFraud.ScorerURL == "" {
				return errNotConfigured
			}
			return checkHTTPHealth(ctx, siblingHealth(cfg.AntiFraud.ScorerURL), logger)
		}},
		{Name: "Notification webhook", Optional: true, Func: func(ctx context.Context) error {
			if cfg.Notifications.WebhookURL == "" {
				return errNotConfigured
			}
			return checkHTTPHealth(ctx, siblingHealth(cfg.Notifications.WebhookURL), logger)
		}},
	}

	var wg sync.WaitGroup
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	fmt.Println("Running system diagnostics...")

	for i := range checks {
		wg.Add(1)
		go func(c *Check) {
			defer wg.Done()
			start := time.Now()
			c.Error = c.Func(ctx)
			c.Duration = time.Since(start)
			if c.Optional && c.Error == errNotConfigured {
				c.Skipped, c.Error = true, nil
			}
		}(&checks[i])
	}

	wg.Wait()

	fmt.Println("\n--- Diagnostics report ---")
	hasErrors := false
	for _, c := range checks {
		took := c.Duration.Round(time.Millisecond)
		switch {
		case c.Skipped:
			fmt.Printf("[%s] %-22s\n", color.HiBlackString("SKIP"), c.Name)
		case c.Error == nil:
			fmt.Printf("[%s]   %-22s (took %v)\n", color.GreenString("OK"), c.Name, took)
		case c.Optional:
			fmt.Printf("[%s] %-22s (took %v) - %v\n", color.YellowString("WARN"), c.Name, took, c.Error)
		default:
			hasErrors = true
			fmt.Printf("[%s] %-22s (took %v) - %v\n", color.RedString("FAIL"), c.Name, took, c.Error)
		}
	}

	if hasErrors {
		fmt.Println("\nDiagnostics found problems.")
		os.Exit(1)
	}
	fmt.Println("\nAll systems are healthy.")
}

// --- Functions for checks ---

// siblingHealth turns http://host:port/score into http://host:port/health.
func siblingHealth(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	u.Path, u.RawQuery = "/health", ""
	return u.String()
}

func checkHTTPHealth(ctx context.Context, url string, logger *slog.Logger) error {
	if !strings.HasPrefix(url, "http") {
		url = "http://" + url
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			logger.Error("failed to close http response", "error", err)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status: %s", resp.Status)
	}
	return nil
}

func checkPostgres(ctx context.Context, dsn string, logger *slog.Logger) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	defer func() {
		if err := conn.Close(ctx); err != nil {
			logger.Error("failed to close postgres connection", "error", err)
		}
	}()
	return conn.Ping(ctx)
}

func checkMigrations(dsn string) error {
	version, dirty, err := postgres.MigrationVersion(dsn)
	if err != nil {
		return err
	}
	if version == 0 {
		return fmt.Errorf("no migrations applied, run payment-admin migrate up")
	}
	if dirty {
		return fmt.Errorf("schema version %d is dirty", version)
	}
	return nil
}

func checkRedis(ctx context.Context, addr, password string, logger *slog.Logger) error {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("failed to close redis", "error", err)
		}
	}()
	return rdb.Ping(ctx).Err()
}

func checkKafka(ctx context.Context, brokers []string) error {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DialTimeout(5*time.Second),
	)
	if err != nil {
		return err
	}
	defer client.Close()
	return client.Ping(ctx)
}

func checkClickHouse(ctx context.Context, opts clickhouse.Options, logger *slog.Logger) error {
	conn, err := clickhouse.Open(ctx, opts)
	if err != nil {
		return err
	}
	defer func() {
		if err := conn.Close(); err != nil {
			logger.Error("failed to close clickhouse connection", "error", err)
		}
	}()
	return nil
}
