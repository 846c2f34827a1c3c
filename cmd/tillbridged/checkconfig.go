package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tillbridge/tillbridge/internal/config"
)

var checkConfigCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Validate the environment and print the resolved configuration",
	Long: `Load configuration from the environment the same way 'serve' does,
validate it, and print the resolved values. Passwords are redacted.

Exits non-zero if the configuration would prevent the server from starting.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "listener:           %s:%d\n", cfg.Host, cfg.Port)
		fmt.Fprintf(out, "ping interval:      %s\n", cfg.PingInterval)
		fmt.Fprintf(out, "ping timeout:       %s\n", cfg.PingTimeout)
		fmt.Fprintf(out, "upgrade timeout:    %s\n", cfg.UpgradeTimeout)
		fmt.Fprintf(out, "max buffer size:    %d\n", cfg.MaxBufferSize)
		fmt.Fprintf(out, "target db:          %s@%s:%d (open=%d idle=%d lifetime=%s)\n",
			cfg.TargetDB.User, cfg.TargetDB.Host, cfg.TargetDB.Port,
			cfg.TargetDB.MaxOpenConns, cfg.TargetDB.MaxIdleConns, cfg.TargetDB.ConnMaxLifetime)
		fmt.Fprintf(out, "target db password: %s\n", redact(cfg.TargetDB.Password))

		if cfg.TenantDB.Configured() {
			fmt.Fprintf(out, "tenant directory:   db %s@%s:%d/%s (cache ttl %s)\n",
				cfg.TenantDB.User, cfg.TenantDB.Host, cfg.TenantDB.Port, cfg.TenantDB.Name, cfg.TenantCacheTTL)
			fmt.Fprintf(out, "tenant db password: %s\n", redact(cfg.TenantDB.Password))
		} else {
			fmt.Fprintf(out, "tenant directory:   file %s\n", cfg.TenantFile)
		}

		fmt.Fprintf(out, "full sync:          batch=%d timeout=%s retries=%d\n",
			cfg.FullSyncBatchSize, cfg.FullSyncTimeout, cfg.FullSyncRetryAttempts)
		fmt.Fprintf(out, "csv threshold:      %d rows\n", cfg.CSVSyncThreshold)
		fmt.Fprintf(out, "uploads dir:        %s\n", cfg.UploadsDir)

		if cfg.RedisAddr != "" {
			fmt.Fprintf(out, "presence:           redis %s db=%d ttl=%s\n", cfg.RedisAddr, cfg.RedisDB, cfg.PresenceTTL)
			fmt.Fprintf(out, "redis password:     %s\n", redact(cfg.RedisPassword))
		} else {
			fmt.Fprintf(out, "presence:           disabled\n")
		}

		fmt.Fprintf(out, "log level:          %s (json=%v)\n", cfg.LogLevel, cfg.LogJSON)
		fmt.Fprintln(out, "configuration OK")
		return nil
	},
}

func redact(s string) string {
	if s == "" {
		return "(unset)"
	}
	return "********"
}
