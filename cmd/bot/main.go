// cmd/bot/main.go
//
// Minimal bot wiring the library end to end: gateway session, node
// pool, Prometheus metrics and session dump persistence across
// restarts.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/doiska/twokei-shoukaku"
	"github.com/doiska/twokei-shoukaku/connector"
)

type config struct {
	DiscordToken string `env:"DISCORD_TOKEN,required"`
	NodeName     string `env:"LAVALINK_NAME" envDefault:"Default"`
	NodeURL      string `env:"LAVALINK_URL,required"`
	NodeAuth     string `env:"LAVALINK_AUTH,required"`
	NodeSecure   bool   `env:"LAVALINK_SECURE" envDefault:"false"`
	MetricsAddr  string `env:"METRICS_ADDR" envDefault:":9090"`
	DumpPath     string `env:"DUMP_PATH" envDefault:"players.json"`
	Debug        bool   `env:"DEBUG" envDefault:"false"`
}

func main() {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	if err := godotenv.Load(); err != nil {
		logger.Info().Msg("no .env file found, falling back to system environment variables")
	}
	var cfg config
	if err := env.Parse(&cfg); err != nil {
		logger.Fatal().Err(err).Msg("parse configuration")
	}
	if cfg.Debug {
		logger = logger.Level(zerolog.DebugLevel)
	} else {
		logger = logger.Level(zerolog.InfoLevel)
	}

	session, err := discordgo.New("Bot " + cfg.DiscordToken)
	if err != nil {
		logger.Fatal().Err(err).Msg("create discord session")
	}
	session.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates

	nodes := []shoukaku.NodeOption{{
		Name:   cfg.NodeName,
		URL:    cfg.NodeURL,
		Auth:   cfg.NodeAuth,
		Secure: cfg.NodeSecure,
	}}
	manager, err := shoukaku.New(connector.NewDiscordGo(session), nodes, shoukaku.Options{
		Resume: true,
		Logger: &logger,
	}, loadDumps(logger, cfg.DumpPath))
	if err != nil {
		logger.Fatal().Err(err).Msg("create node manager")
	}
	manager.Events.OnReady = func(node string, restored int) {
		logger.Info().Str("node", node).Int("restored", restored).Msg("node ready")
	}
	manager.Events.OnError = func(node string, err error) {
		logger.Error().Str("node", node).Err(err).Msg("node error")
	}
	manager.Events.OnClose = func(node string, code int, reason string) {
		logger.Warn().Str("node", node).Int("code", code).Str("reason", reason).Msg("node closed")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(shoukaku.NewCollector(manager))
	metrics := &http.Server{Addr: cfg.MetricsAddr, Handler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{})}
	go func() {
		if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics server error")
		}
	}()

	if err := session.Open(); err != nil {
		logger.Fatal().Err(err).Msg("open gateway connection")
	}
	logger.Info().Msg("bot is running")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info().Msg("shutting down")

	saveDumps(logger, cfg.DumpPath, manager.PlayersDump())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metrics.Shutdown(ctx)
	if err := session.Close(); err != nil {
		logger.Error().Err(err).Msg("close gateway connection")
	}
}

// loadDumps reads the player dumps of the previous run, if any. The
// library itself discards dumps older than its freshness window, so a
// stale file is harmless.
func loadDumps(logger zerolog.Logger, path string) map[string]*shoukaku.PlayerDump {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var dumps map[string]*shoukaku.PlayerDump
	if err := json.Unmarshal(data, &dumps); err != nil {
		logger.Warn().Err(err).Str("path", path).Msg("discarding unreadable player dumps")
		return nil
	}
	logger.Info().Int("players", len(dumps)).Msg("loaded player dumps")
	return dumps
}

func saveDumps(logger zerolog.Logger, path string, dumps map[string]*shoukaku.PlayerDump) {
	data, err := json.MarshalIndent(dumps, "", "  ")
	if err != nil {
		logger.Error().Err(err).Msg("encode player dumps")
		return
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		logger.Error().Err(err).Str("path", path).Msg("write player dumps")
		return
	}
	logger.Info().Int("players", len(dumps)).Msg("saved player dumps")
}
