package app

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"

	"github.com/vk/todrace/internal/fsutil"
)

// App encapsulates one invocation: resolved configuration, an isolated
// logger and the run identity that tags logs and the stats summary.
type App struct {
	outW   io.Writer
	logger *slog.Logger
	config *Config
	runID  string
}

// NewApp constructs the application. Startup failures that make every
// command impossible panic; the entrypoint recovers them into a clean exit.
func NewApp(outW io.Writer, config *Config) *App {
	runID := uuid.NewString()
	logger := newLogger(config.LogLevel, config.LogFormat, outW).With("run_id", runID)
	logger.Debug("Logger configured successfully.")

	if err := fsutil.EnsureDir(config.BaseDir); err != nil {
		panic(fmt.Errorf("failed to create base directory %s: %w", config.BaseDir, err))
	}

	return &App{
		outW:   outW,
		logger: logger,
		config: config,
		runID:  runID,
	}
}

// RunID returns the run identity. This is primarily for testing.
func (a *App) RunID() string {
	return a.runID
}
