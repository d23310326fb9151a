// Package observability wires logging and metrics for the agent process.
package observability

import (
	"log/slog"
	"os"

	"github.com/fairyhunter13/swarmq/internal/config"
)

// SetupLogger builds a JSON slog logger tagged with service identity.
func SetupLogger(cfg config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{}
	// In dev, show debug level; in prod, default to info
	if cfg.IsDev() {
		opts.Level = slog.LevelDebug
	}
	h := slog.NewJSONHandler(os.Stdout, opts)
	logger := slog.New(h).With(
		slog.String("service", cfg.OTELServiceName),
		slog.String("env", cfg.AppEnv),
	)
	return logger
}
