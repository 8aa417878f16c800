package database

import (
	"bufio"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/srobinb803/whatsapp-clone/internal/retry"
)

// ErrNoDatabaseURL is returned when no URL is configured anywhere.
var ErrNoDatabaseURL = errors.New("DATABASE_URL not found in config, environment or .env")

// NewDB opens a lib/pq handle and pings it, retrying while the server comes
// up.
func NewDB(ctx context.Context, dbURL string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}

	if err := ping(ctx, func() error { return db.PingContext(ctx) }, retry.DatabaseRetryConfig()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}

	return db, nil
}

// NewPool opens the pgx pool used by the job queue.
func NewPool(ctx context.Context, dbURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create pgx pool: %w", err)
	}

	if err := ping(ctx, func() error { return pool.Ping(ctx) }, retry.DatabaseRetryConfig()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping pgx pool: %w", err)
	}

	return pool, nil
}

func ping(ctx context.Context, op func() error, cfg retry.RetryConfig) error {
	logger := log.With().Str("component", "database").Logger()
	result := retry.RetryWithBackoff(ctx, cfg, op, &logger)
	if !result.Success {
		return result.LastError
	}
	return nil
}

// ResolveDatabaseURL returns configured when set, then DATABASE_URL from the
// environment, then DATABASE_URL from the nearest .env file walking up from
// the working directory.
func ResolveDatabaseURL(configured string) (string, error) {
	if configured = strings.TrimSpace(configured); configured != "" {
		return configured, nil
	}
	if direct := strings.TrimSpace(os.Getenv("DATABASE_URL")); direct != "" {
		return direct, nil
	}

	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get working directory: %w", err)
	}

	envPath, err := findEnvFile(wd)
	if err != nil {
		return "", ErrNoDatabaseURL
	}

	value, err := readEnvValue(envPath, "DATABASE_URL")
	if err != nil {
		return "", err
	}
	if value == "" {
		return "", ErrNoDatabaseURL
	}
	return value, nil
}

func readEnvValue(envPath, want string) (string, error) {
	file, err := os.Open(envPath)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", envPath, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		eqIdx := strings.IndexRune(line, '=')
		if eqIdx <= 0 {
			continue
		}

		key := strings.TrimSpace(strings.TrimPrefix(line[:eqIdx], "export "))
		if key != want {
			continue
		}

		value := strings.TrimSpace(line[eqIdx+1:])
		value = strings.Trim(value, "\"'")
		return strings.TrimFunc(value, unicode.IsSpace), nil
	}

	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("read %s: %w", envPath, err)
	}
	return "", nil
}

func findEnvFile(start string) (string, error) {
	dir := start
	for {
		candidate := filepath.Join(dir, ".env")
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", fmt.Errorf(".env not found starting from %s", start)
}
