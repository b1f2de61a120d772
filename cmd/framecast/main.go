// Command framecast renders movies from frame sequences, either as an HTTP
// service (serve) or for a single job (export).
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/mantonx/framecast/internal/config"
	"github.com/mantonx/framecast/internal/database"
	"github.com/mantonx/framecast/internal/logger"
	"github.com/mantonx/framecast/internal/modules/exportmodule"
	"github.com/mantonx/framecast/internal/modules/exportmodule/core/progress"
	exportErrors "github.com/mantonx/framecast/internal/modules/exportmodule/errors"
	"github.com/mantonx/framecast/internal/modules/exportmodule/types"
	"github.com/mantonx/framecast/internal/server"
)

const usage = `usage:
  framecast serve  [--config FILE]
  framecast export [--config FILE] --frames DIR --out FILE --width W --height H --fps F
                   [--audio path[:offset[:gain[:mute]]]]...`

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "framecast:", err)
		var exportErr *exportErrors.ExportError
		if errors.As(err, &exportErr) {
			fmt.Fprintf(os.Stderr, "code=%s type=%s\n", exportErr.Code(), exportErr.Kind())
		}
		os.Exit(1)
	}
}

func run(args []string) error {
	cmd := "serve"
	if len(args) > 0 && args[0] != "" && args[0][0] != '-' {
		cmd, args = args[0], args[1:]
	}
	switch cmd {
	case "serve":
		return serve(args)
	case "export":
		return export(args)
	case "help":
		fmt.Println(usage)
		return nil
	}
	return fmt.Errorf("unknown command %q\n%s", cmd, usage)
}

// setup loads the configuration and installs the default logger.
func setup(configPath string) (*config.ConfigManager, hclog.Logger, error) {
	if configPath == "" {
		configPath = config.ResolvePath()
	}
	cm := config.GetConfigManager()
	if err := cm.LoadConfig(configPath); err != nil {
		return nil, nil, err
	}

	cfg := cm.GetConfig()
	log := logger.New(logger.Options{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	logger.SetDefault(log)

	cm.AddWatcher(func(oldConfig, newConfig *config.Config) {
		if oldConfig.Logging.Level != newConfig.Logging.Level {
			logger.SetLevel(newConfig.Logging.Level)
			logger.Info("Log level changed", "level", newConfig.Logging.Level)
		}
	})
	return cm, log, nil
}

func serve(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", "", "config file (default $"+config.EnvConfigPath+" or "+config.DefaultConfigPath+")")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cm, log, err := setup(*configPath)
	if err != nil {
		return err
	}
	cfg := cm.GetConfig()

	db, err := database.Open(cfg.Database, log)
	if err != nil {
		return err
	}
	codecs, err := exportmodule.DefaultCodecs(cfg.FFmpeg, log)
	if err != nil {
		return err
	}

	module := exportmodule.NewModule(db, cm, codecs, log)
	if err := module.Init(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cm.ConfigPath() != "" {
		if err := cm.Watch(ctx, log); err != nil {
			log.Warn("Config hot reload disabled", "error", err)
		}
	}

	srv := server.New(cfg.Server, server.SetupRouter(db, module))
	serveErr := srv.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := module.Shutdown(shutdownCtx); err != nil {
		log.Error("Export module shutdown error", "error", err)
	}
	log.Info("Server shutdown complete")
	return serveErr
}

func export(args []string) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	configPath := fs.String("config", "", "config file")
	framesDir := fs.String("frames", "", "directory of frame images")
	outPath := fs.String("out", "", "output MP4 file")
	width := fs.Int("width", 0, "frame width (even)")
	height := fs.Int("height", 0, "frame height (even)")
	fps := fs.Int("fps", 0, "frames per second")
	quiet := fs.Bool("quiet", false, "do not print progress")
	var audio audioFlags
	fs.Var(&audio, "audio", "audio source path[:offset[:gain[:mute]]], repeatable")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cm, log, err := setup(*configPath)
	if err != nil {
		return err
	}
	cfg := cm.GetConfig()

	// A one-shot export keeps its history in memory.
	db, err := database.Open(config.DatabaseConfig{Type: "sqlite", Path: ":memory:"}, log)
	if err != nil {
		return err
	}
	codecs, err := exportmodule.DefaultCodecs(cfg.FFmpeg, log)
	if err != nil {
		return err
	}

	module := exportmodule.NewModule(db, cm, codecs, log)
	if err := module.Init(); err != nil {
		return err
	}
	defer module.Shutdown(context.Background())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var obs progress.Observer
	if !*quiet {
		obs = progress.ObserverFunc(func(v float64) {
			fmt.Fprintf(os.Stderr, "\rexporting %3.0f%%", v*100)
			if v >= 1 {
				fmt.Fprintln(os.Stderr)
			}
		})
	}

	result, err := module.Service().Run(ctx, types.ExportRequest{
		FramesDir: *framesDir,
		OutPath:   *outPath,
		Width:     *width,
		Height:    *height,
		FPS:       *fps,
		Audio:     audio,
	}, obs)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}
