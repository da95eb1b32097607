package main

import (
	"time"

	"github.com/JTang/NotifyHub/internal/collector"
	"github.com/JTang/NotifyHub/internal/config"
	"github.com/JTang/NotifyHub/internal/notify"
	"github.com/JTang/NotifyHub/internal/scheduler"
	"github.com/JTang/NotifyHub/internal/storage"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// 单次模式：所有源各跑一轮后退出，适合 cron/CI 里跑或本地调试
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

	var browserF collector.Fetcher
	for _, src := range sources {
		if src.Mode == config.ModeBrowser && src.IsEnabled() {
			bf := collector.NewBrowserFetcher(cfg.BrowserPoolSize, cfg.FetchTimeout)
			defer bf.Close()
			browserF = bf
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

	start := time.Now()
	sched.RunOnce()
	log.Info().Msgf("single pass finished in %s", time.Since(start))
}
