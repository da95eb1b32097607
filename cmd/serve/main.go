package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/JTang/NotifyHub/internal/api"
	"github.com/JTang/NotifyHub/internal/collector"
	"github.com/JTang/NotifyHub/internal/config"
	"github.com/JTang/NotifyHub/internal/notify"
	"github.com/JTang/NotifyHub/internal/scheduler"
	"github.com/JTang/NotifyHub/internal/storage"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	cfg := config.Load()

	sources, err := config.LoadSources(cfg.SourcesFile)
	if err != nil {
		log.Fatal().Msgf("load sources: %v", err)
	}

	store, err := storage.NewStore(cfg.DBPath, cfg.RedisAddr)
	if err != nil {
		log.Fatal().Msgf("init storage: %v", err)
	}
	defer store.Close()

	httpF := collector.NewHTTPFetcher(cfg.FetchTimeout)

	// 只有配置了浏览器模式的源才起 headless 实例
	var browserF collector.Fetcher
	var browserClose func()
	for _, src := range sources {
		if src.Mode == config.ModeBrowser && src.IsEnabled() {
			bf := collector.NewBrowserFetcher(cfg.BrowserPoolSize, cfg.FetchTimeout)
			browserF = bf
			browserClose = bf.Close
			break
		}
	}

	sink := notify.NewDiscordSink(10 * time.Second)
	limiter := rate.NewLimiter(rate.Limit(cfg.DispatchRate), cfg.DispatchBurst)
	dispatcher := notify.NewDispatcher(sink, limiter, cfg.MaxAttempts)

	sched, err := scheduler.New(sources, store, httpF, browserF, dispatcher, cfg.MaxConcurrent)
	if err != nil {
		log.Fatal().Msgf("init scheduler: %v", err)
	}
	sched.Start()

	srv := api.NewServer(cfg, store, sched)
	go func() {
		if err := srv.Router().Run(":" + cfg.AppPort); err != nil {
			log.Fatal().Msgf("http server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down...")
	sched.Stop()
	if browserClose != nil {
		browserClose()
	}
}
