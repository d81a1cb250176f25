package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/kovaxis/gaze/internal/config"
	"github.com/kovaxis/gaze/internal/filebuffer"
	"github.com/kovaxis/gaze/internal/slogutil"
)

// runOpen loads configuration, opens the file engine against it, and
// blocks until interrupted. There is no renderer in this build (the
// windowing/drawing half of the original is out of scope); this is the
// headless harness that exercises the loader/sparse/linemap/facade
// stack end to end.
func runOpen(cmd *cobra.Command, args []string) error {
	path := configFile
	if path == "" {
		path = config.ExecutableConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		// ConfigParse policy: warn and keep going with defaults, which
		// Load already fell back to.
		slog.Default().Warn("config load fell back to defaults", "error", err)
	}

	logger := slogutil.SetupLogRotation(cfg.Log)

	fb, err := filebuffer.Open(afero.NewOsFs(), args[0], cfg, logger)
	if err != nil {
		logger.Error("failed to open file", "path", args[0], "error", err)
		return err
	}
	defer fb.Close()

	logger.Info("opened file", "path", args[0], "size_bytes", fb.FileSize())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	waitForInterrupt(ctx)

	logger.Info("shutting down")
	return nil
}

func waitForInterrupt(ctx context.Context) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt)
	select {
	case <-ctx.Done():
	case <-c:
	}
}
