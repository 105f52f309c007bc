package main

import (
	"context"
	"flag"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"mbm-gps/internal/config"
	"mbm-gps/internal/web"
)

func main() {
	var configPath string
	var level string
	flag.StringVar(&configPath, "config", "", "Path to YAML config (defaults apply when empty)")
	flag.StringVar(&level, "log-level", "", "Override log.level from the config")
	flag.Parse()

	logs := web.NewLogBuffer(2000)
	setupLogging(os.Stderr, logs, "info")

	cfg, err := loadConfig(configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", configPath).Msg("config load failed")
	}
	if level != "" {
		cfg.Log.Level = level
	}
	setupLogging(os.Stderr, logs, cfg.Log.Level)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.Info().Str("ctrl", cfg.Device.Ctrl).Str("nmea", cfg.Device.NMEA).Msg("mbm-gpsd starting")
	if err := run(ctx, cfg, logs); err != nil {
		log.Fatal().Err(err).Msg("mbm-gpsd failed")
	}
	log.Info().Msg("mbm-gpsd stopped")
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Parse(nil)
	}
	return config.Load(path)
}

// setupLogging sends the global logger to the console and to the in-memory
// buffer behind /api/logs. Unknown levels fall back to info.
func setupLogging(console io.Writer, logs io.Writer, level string) {
	writers := []io.Writer{zerolog.ConsoleWriter{Out: console, TimeFormat: time.RFC3339}}
	if logs != nil {
		writers = append(writers, zerolog.ConsoleWriter{Out: logs, NoColor: true, TimeFormat: time.RFC3339})
	}
	log.Logger = zerolog.New(zerolog.MultiLevelWriter(writers...)).With().Timestamp().Logger()

	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}
