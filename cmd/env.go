package cmd

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/srobinb803/whatsapp-clone/internal/config"
	"github.com/srobinb803/whatsapp-clone/internal/database"
)

// ConfigCheckResult holds the result of configuration validation
type ConfigCheckResult struct {
	Missing  []string          // Required variables that are missing
	Present  map[string]string // Variables that are set (masked values)
	Warnings []string          // Non-fatal warnings
	Backend  string
}

// EnvCommand returns the env command
func EnvCommand() *cli.Command {
	return &cli.Command{
		Name:  "env",
		Usage: "Inspect the runtime environment",
		Subcommands: []*cli.Command{
			{
				Name:  "check",
				Usage: "Report required and optional environment variables",
				Action: func(c *cli.Context) error {
					cfg, err := config.LoadConfig(c.String("config"))
					if err != nil {
						return fmt.Errorf("failed to load config: %w", err)
					}
					result := CheckRequiredConfig(cfg)
					PrintConfigCheck(result)
					if len(result.Missing) > 0 {
						return cli.Exit("required configuration is missing", 1)
					}
					return nil
				},
			},
		},
	}
}

// CheckRequiredConfig validates that the variables cfg depends on are set
func CheckRequiredConfig(cfg *config.Config) *ConfigCheckResult {
	result := &ConfigCheckResult{
		Missing:  []string{},
		Present:  make(map[string]string),
		Warnings: []string{},
		Backend:  cfg.Store.Backend,
	}

	if cfg.Store.Backend == config.BackendPostgres {
		dbURL, err := database.ResolveDatabaseURL(cfg.Database.URL)
		if err != nil {
			result.Missing = append(result.Missing, "DATABASE_URL")
		} else {
			result.Present["DATABASE_URL"] = maskSecret(dbURL)
		}
	}

	optionalVars := []string{
		config.EnvPrefix + "SERVER_VERIFY_TOKEN",
		"WACHAT_TEST_DATABASE_URL",
	}
	for _, v := range optionalVars {
		if val := os.Getenv(v); val != "" {
			result.Present[v] = maskSecret(val)
		}
	}

	if cfg.Server.VerifyToken == "" {
		result.Warnings = append(result.Warnings, "server.verify_token is empty, GET /webhook verification will always fail")
	}
	if cfg.Retry.Enabled && cfg.Store.Backend != config.BackendPostgres {
		result.Warnings = append(result.Warnings, "retry.enabled has no effect without the postgres backend")
	}
	if cfg.Store.Backend == config.BackendMemory {
		result.Warnings = append(result.Warnings, "memory backend keeps messages only for the life of the process")
	}

	return result
}

// PrintConfigCheck prints the configuration check results
func PrintConfigCheck(result *ConfigCheckResult) {
	fmt.Println("=== Configuration Check ===")
	fmt.Printf("Store backend: %s\n", result.Backend)
	fmt.Println("")

	if len(result.Missing) > 0 {
		fmt.Println("❌ Missing required variables:")
		for _, v := range result.Missing {
			fmt.Printf("   - %s\n", v)
		}
		fmt.Println("")
	}

	if len(result.Present) > 0 {
		fmt.Println("✓ Configured variables:")
		keys := make([]string, 0, len(result.Present))
		for k := range result.Present {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Printf("   - %s = %s\n", k, result.Present[k])
		}
		fmt.Println("")
	}

	for _, w := range result.Warnings {
		fmt.Printf("⚠ Warning: %s\n", w)
	}

	if len(result.Missing) == 0 {
		fmt.Println("✓ All required configuration is present")
	}

	fmt.Println("============================")
}

// maskSecret masks a secret value for display, showing only first and last 2 chars
func maskSecret(value string) string {
	if len(value) <= 8 {
		return "****"
	}
	return value[:2] + "****" + value[len(value)-2:]
}

// LoadEnvFile loads environment variables from a file. Variables already set
// in the process environment are left alone.
func LoadEnvFile(filename string) error {
	file, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(strings.TrimPrefix(line, "export "), "=", 2)
		if len(parts) != 2 {
			continue
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		if len(value) >= 2 && ((value[0] == '"' && value[len(value)-1] == '"') || (value[0] == '\'' && value[len(value)-1] == '\'')) {
			value = value[1 : len(value)-1]
		}

		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		if err := os.Setenv(key, value); err != nil {
			return fmt.Errorf("failed to set env var %s: %w", key, err)
		}
	}

	return scanner.Err()
}
