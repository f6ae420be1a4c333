package main

import (
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ruteri/seedguard/api/ownerapi"
	"github.com/ruteri/seedguard/cmd/flags"
	"github.com/ruteri/seedguard/common"
	"github.com/ruteri/seedguard/httpserver"
	"github.com/ruteri/seedguard/interfaces"
	"github.com/ruteri/seedguard/metrics"
	"github.com/ruteri/seedguard/serverstore"
	"github.com/urfave/cli/v2"
)

var flagListenAddr = &cli.StringFlag{
	Name:    "listen-addr",
	Value:   "127.0.0.1:8080",
	EnvVars: []string{"SEEDGUARD_LISTEN_ADDR"},
	Usage:   "address to listen on for API",
}
var flagStoreDSN = &cli.StringFlag{
	Name:    "store-dsn",
	Value:   "memory",
	EnvVars: []string{"SEEDGUARD_STORE_DSN"},
	Usage:   "account store: 'memory', 'sqlite:<path>' or a postgres:// URL",
}
var flagLogSQL = &cli.BoolFlag{
	Name:  "log-sql",
	Value: false,
	Usage: "log SQL statements of the account store",
}
var flagUnlockSeconds = &cli.Int64Flag{
	Name:    "unlock-seconds",
	Value:   int64(ownerapi.DefaultConfig().UnlockDuration / time.Second),
	EnvVars: []string{"SEEDGUARD_UNLOCK_SECONDS"},
	Usage:   "how long an unlock or prolongation lasts",
}
var flagAccessTimelock = &cli.DurationFlag{
	Name:    "access-timelock",
	Value:   ownerapi.DefaultConfig().AccessTimelock,
	EnvVars: []string{"SEEDGUARD_ACCESS_TIMELOCK"},
	Usage:   "delay before an approved access record becomes available",
}
var flagAccessTTL = &cli.DurationFlag{
	Name:    "access-ttl",
	Value:   ownerapi.DefaultConfig().AccessTTL,
	EnvVars: []string{"SEEDGUARD_ACCESS_TTL"},
	Usage:   "lifetime of an access record",
}
var flagMaintenance = &cli.BoolFlag{
	Name:    "maintenance",
	Value:   false,
	EnvVars: []string{"SEEDGUARD_MAINTENANCE"},
	Usage:   "start in maintenance mode",
}
var flagVerificationRateLimit = &cli.IntFlag{
	Name:    "verification-rate-limit",
	Value:   ownerapi.DefaultConfig().VerificationRateLimit,
	EnvVars: []string{"SEEDGUARD_VERIFICATION_RATE_LIMIT"},
	Usage:   "verification and unlock attempts per account and minute",
}
var flagMaxExternalApprovers = &cli.IntFlag{
	Name:    "max-external-approvers",
	Value:   interfaces.DefaultFeatureFlags().MaxExternalApprovers,
	EnvVars: []string{"SEEDGUARD_MAX_EXTERNAL_APPROVERS"},
	Usage:   "feature flag: external approvers allowed per policy",
}

func openStore(dsn string, logSQL bool, log *slog.Logger) (serverstore.Store, error) {
	switch {
	case dsn == "" || dsn == "memory":
		log.Warn("Using in-memory account store, state is lost on restart")
		return serverstore.NewMemoryStore(), nil
	case strings.HasPrefix(dsn, "sqlite:"):
		return serverstore.NewGormStore(serverstore.GormConfig{
			Driver: serverstore.DriverSQLite,
			DSN:    strings.TrimPrefix(dsn, "sqlite:"),
			LogSQL: logSQL,
		}, log)
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return serverstore.NewGormStore(serverstore.GormConfig{
			Driver: serverstore.DriverPostgres,
			DSN:    dsn,
			LogSQL: logSQL,
		}, log)
	default:
		return nil, fmt.Errorf("unsupported store DSN %q", dsn)
	}
}

func main() {
	if err := flags.LoadEnv(); err != nil {
		log.Fatal(err)
	}

	app := &cli.App{
		Name:  "ownerserver",
		Usage: "Serve the seed phrase guardianship API",
		Flags: append([]cli.Flag{
			flagListenAddr,
			flagStoreDSN,
			flagLogSQL,
			flagUnlockSeconds,
			flagAccessTimelock,
			flagAccessTTL,
			flagMaintenance,
			flagVerificationRateLimit,
			flagMaxExternalApprovers,
			flags.LogServiceFlagFn("seedguard"),
		}, flags.CommonFlags...),
		Action: func(cCtx *cli.Context) error {
			logger := flags.SetupLogger(cCtx)
			cfg := flags.ConfigureServer(cCtx, logger, cCtx.String(flagListenAddr.Name))
			cfg.Maintenance = cCtx.Bool(flagMaintenance.Name)

			store, err := openStore(cCtx.String(flagStoreDSN.Name), cCtx.Bool(flagLogSQL.Name), logger)
			if err != nil {
				logger.Error("Failed to open account store", "err", err)
				return err
			}
			defer store.Close()

			featureFlags := interfaces.DefaultFeatureFlags()
			featureFlags.MaxExternalApprovers = cCtx.Int(flagMaxExternalApprovers.Name)
			featureFlags.Timelock = cCtx.Duration(flagAccessTimelock.Name) > 0
			state := common.NewProcessState(featureFlags)
			m := metrics.NewMetrics("seedguard")

			handler := ownerapi.NewHandler(store, ownerapi.DigestBiometricVerifier{}, state, m, ownerapi.Config{
				UnlockDuration:        time.Duration(cCtx.Int64(flagUnlockSeconds.Name)) * time.Second,
				AccessTimelock:        cCtx.Duration(flagAccessTimelock.Name),
				AccessTTL:             cCtx.Duration(flagAccessTTL.Name),
				VerificationRateLimit: cCtx.Int(flagVerificationRateLimit.Name),
			}, logger)

			server, err := httpserver.New(cfg, handler, state, m)
			if err != nil {
				logger.Error("Failed to create server", "err", err)
				return err
			}

			logger.Info("Starting server")
			server.RunInBackground()

			exit := make(chan os.Signal, 1)
			signal.Notify(exit, os.Interrupt, syscall.SIGTERM)

			logger.Info("Server is running, press Ctrl+C to stop")
			<-exit
			logger.Info("Shutdown signal received")

			server.Shutdown()
			logger.Info("Server shutdown complete")
			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
