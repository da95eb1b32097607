package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/JTang/NotifyHub/internal/collector"
	"github.com/JTang/NotifyHub/internal/config"
	"github.com/JTang/NotifyHub/internal/notify"
	"github.com/JTang/NotifyHub/internal/processor"
	"github.com/JTang/NotifyHub/internal/storage"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
)

// 延迟执行首轮检查，避免与进程启动期的其它初始化争抢资源
const startupDelay = 5 * time.Second

// Scheduler 为每个启用的源挂一个独立的 cron 条目，并保证同一个源
// 同时最多只有一轮流水线在跑；源与源之间并发，总并发受信号量约束
type Scheduler struct {
	cron       *cron.Cron
	sources    []config.Source
	store      *storage.Store
	httpF      collector.Fetcher
	browserF   collector.Fetcher
	dispatcher *notify.Dispatcher

	sem    *semaphore.Weighted
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	inFlight  map[string]bool
	lastRun   map[string]time.Time
	status    map[string]*CheckStatus
	startedAt time.Time
}

func New(sources []config.Source, store *storage.Store, httpF, browserF collector.Fetcher,
	dispatcher *notify.Dispatcher, maxConcurrent int) (*Scheduler, error) {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cron:       cron.New(),
		sources:    sources,
		store:      store,
		httpF:      httpF,
		browserF:   browserF,
		dispatcher: dispatcher,
		sem:        semaphore.NewWeighted(int64(maxConcurrent)),
		ctx:        ctx,
		cancel:     cancel,
		inFlight:   make(map[string]bool),
		lastRun:    make(map[string]time.Time),
		status:     make(map[string]*CheckStatus),
	}

	registered := 0
	for _, src := range sources {
		if !src.IsEnabled() {
			log.Info().Msgf("source %s disabled, skipping", src.ID)
			continue
		}
		src := src
		spec := fmt.Sprintf("@every %s", src.Interval.Std())
		if _, err := s.cron.AddFunc(spec, func() { s.trigger(src) }); err != nil {
			cancel()
			return nil, fmt.Errorf("schedule %s: %w", src.ID, err)
		}
		s.status[src.ID] = &CheckStatus{SourceID: src.ID}
		registered++
	}
	if registered == 0 {
		log.Warn().Msg("no enabled sources registered")
	}

	return s, nil
}

func (s *Scheduler) Start() {
	s.startedAt = time.Now()
	s.cron.Start()
	time.AfterFunc(startupDelay, func() { go s.RunOnce() })
	log.Info().Msgf("scheduler started with %d sources", len(s.status))
}

// Stop 取消所有在途流水线并等它们收尾，手动触发的也算；
// 提交之前被打断的一轮等同失败，不落任何状态
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
	s.wg.Wait()
	log.Info().Msg("scheduler stopped")
}

// RunOnce 对所有启用的源各跑一轮，全部结束后返回；供手动触发与单次命令使用
func (s *Scheduler) RunOnce() {
	var wg sync.WaitGroup
	for _, src := range s.sources {
		if !src.IsEnabled() {
			continue
		}
		src := src
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.trigger(src)
		}()
	}
	wg.Wait()
}

// RunSource 手动触发某个源，立即返回
func (s *Scheduler) RunSource(id string) error {
	for _, src := range s.sources {
		if src.ID == id {
			if !src.IsEnabled() {
				return fmt.Errorf("source %s is disabled", id)
			}
			go s.trigger(src)
			return nil
		}
	}
	return fmt.Errorf("unknown source %s", id)
}

func (s *Scheduler) Sources() []config.Source { return s.sources }

// trigger 是定时器落点：重入保护 + 夜间模式降频，然后才真正跑一轮
func (s *Scheduler) trigger(src config.Source) {
	now := time.Now()

	s.mu.Lock()
	if s.inFlight[src.ID] {
		s.mu.Unlock()
		// 上一轮还没结束，本次触发按规范作 no-op
		log.Debug().Msgf("source %s still in flight, skipping tick", src.ID)
		return
	}
	if eff := src.EffectiveInterval(now); eff > src.Interval.Std() {
		if last, ok := s.lastRun[src.ID]; ok && now.Sub(last)+time.Second < eff {
			s.mu.Unlock()
			log.Debug().Msgf("source %s in night window, next check not due yet", src.ID)
			return
		}
	}
	s.inFlight[src.ID] = true
	s.lastRun[src.ID] = now
	s.wg.Add(1)
	s.mu.Unlock()

	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		s.inFlight[src.ID] = false
		s.mu.Unlock()
	}()

	if err := s.sem.Acquire(s.ctx, 1); err != nil {
		return
	}
	defer s.sem.Release(1)

	s.runCycle(src)
}

func (s *Scheduler) runCycle(src config.Source) {
	log.Info().Msgf("check %s...", src.ID)
	delivered, err := s.cycle(s.ctx, src)

	if errors.Is(err, context.Canceled) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	cs := s.status[src.ID]
	if cs == nil {
		cs = &CheckStatus{SourceID: src.ID}
		s.status[src.ID] = cs
	}
	cs.LastCheck = time.Now()
	if err != nil {
		cs.ErrorCount++
		cs.ConsecutiveErrors++
		cs.LastError = err.Error()
		log.Warn().Msgf("check %s failed: %v", src.ID, err)
		return
	}
	cs.SuccessCount++
	cs.ConsecutiveErrors = 0
	cs.LastError = ""
	cs.LastSuccess = cs.LastCheck
	cs.LastNewItems = delivered
	if delivered > 0 {
		log.Info().Msgf("check %s done, %d new items notified", src.ID, delivered)
	}
}

// cycle 单轮流水线：抓取 → 提取 → 读状态 → diff → 投递 → 提交。
// 抓取/提取/读写状态任何一步失败都中止本轮且不落状态，等下个周期重来。
func (s *Scheduler) cycle(ctx context.Context, src config.Source) (int, error) {
	fetcher := s.httpF
	if src.Mode == config.ModeBrowser {
		if s.browserF == nil {
			return 0, fmt.Errorf("browser fetcher not configured")
		}
		fetcher = s.browserF
	}

	doc, err := fetcher.Fetch(ctx, src)
	if err != nil {
		return 0, err
	}

	fp, err := processor.Extract(doc, src.Rules)
	if err != nil {
		return 0, err
	}

	state, err := s.store.Get(ctx, src.ID)
	if err != nil {
		return 0, err
	}

	// 首轮静默：全部条目记为已通知但一条都不发，这是唯一
	// 允许"已通知 ≠ 已送达"的例外，必须显式配置
	if state.Fresh && !src.NotifyOnFirstRun {
		log.Info().Msgf("source %s first run, seeding %d items silently", src.ID, len(fp.Items))
		return 0, s.store.Commit(ctx, src.ID, fp.Hash, fp.Items)
	}

	seen := state.Notified
	if !src.RetryPermanent {
		failed, err := s.store.PermanentlyFailed(ctx, src.ID)
		if err != nil {
			return 0, err
		}
		for id := range failed {
			seen[id] = struct{}{}
		}
	}

	fresh := processor.Diff(fp, state.LastHash, seen)
	if len(fresh) == 0 {
		if fp.Hash != state.LastHash {
			return 0, s.store.Commit(ctx, src.ID, fp.Hash, nil)
		}
		return 0, nil
	}

	target := notify.Target{SourceID: src.ID, WebhookURL: src.Channel}
	delivered := make([]collector.Item, 0, len(fresh))
	allOK := true

	// 按文档内顺序逐条投递；个别条目失败不拖垮整轮
	for _, it := range fresh {
		err := s.dispatcher.Dispatch(ctx, target, notify.RenderMessage(src, it))
		if err == nil {
			delivered = append(delivered, it)
			continue
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return len(delivered), context.Canceled
		}

		allOK = false
		var pe *notify.PermanentError
		var ee *notify.ExhaustedError
		switch {
		case errors.As(err, &pe):
			log.Error().Msgf("dispatch %s item %s permanently failed: %v", src.ID, it.ID, err)
			if rerr := s.store.RecordFailure(ctx, src.ID, it.ID, storage.FailurePermanent, err.Error(), 1); rerr != nil {
				log.Warn().Msgf("record failure: %v", rerr)
			}
		case errors.As(err, &ee):
			log.Warn().Msgf("dispatch %s item %s gave up: %v", src.ID, it.ID, err)
			if rerr := s.store.RecordFailure(ctx, src.ID, it.ID, storage.FailureExhausted, err.Error(), ee.Attempts); rerr != nil {
				log.Warn().Msgf("record failure: %v", rerr)
			}
		default:
			log.Warn().Msgf("dispatch %s item %s failed: %v", src.ID, it.ID, err)
		}
	}

	if ctx.Err() != nil {
		return len(delivered), context.Canceled
	}

	// 有条目没送出去就不推进指纹哈希，否则下一轮会被哈希快路径
	// 短路掉，漏送的条目再也追不回来
	commitHash := fp.Hash
	if !allOK {
		commitHash = ""
	}
	if len(delivered) > 0 || allOK {
		if err := s.store.Commit(ctx, src.ID, commitHash, delivered); err != nil {
			return len(delivered), err
		}
	}
	return len(delivered), nil
}
