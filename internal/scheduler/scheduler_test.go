package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/JTang/NotifyHub/internal/collector"
	"github.com/JTang/NotifyHub/internal/config"
	"github.com/JTang/NotifyHub/internal/notify"
	"github.com/JTang/NotifyHub/internal/storage"
	"golang.org/x/time/rate"
)

// stubFetcher 返回预设 HTML，页面内容可在测试中途替换
type stubFetcher struct {
	mu    sync.Mutex
	html  string
	calls int
}

func (f *stubFetcher) setHTML(html string) {
	f.mu.Lock()
	f.html = html
	f.mu.Unlock()
}

func (f *stubFetcher) Fetch(_ context.Context, src config.Source) (*collector.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return &collector.Document{
		SourceID:  src.ID,
		URL:       src.URL,
		HTML:      f.html,
		FetchedAt: time.Now(),
	}, nil
}

// scriptSink 按条目标题决定投递结果，记录送达顺序
type scriptSink struct {
	mu        sync.Mutex
	failTitle map[string]error
	delivered []string
}

func (s *scriptSink) Publish(_ context.Context, _ notify.Target, msg notify.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.failTitle[msg.Title]; ok {
		return err
	}
	s.delivered = append(s.delivered, msg.Title)
	return nil
}

func (s *scriptSink) deliveredTitles() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.delivered))
	copy(out, s.delivered)
	return out
}

func pageHTML(titles ...string) string {
	body := ""
	for _, title := range titles {
		slug := strings.ReplaceAll(strings.ToLower(title), " ", "-")
		body += fmt.Sprintf(`<li class="entry"><h2>%s</h2><a href="/p/%s">x</a></li>`, title, slug)
	}
	return "<html><body><ul>" + body + "</ul></body></html>"
}

func testSource(mutate func(*config.Source)) config.Source {
	src := config.Source{
		ID:       "hn",
		Name:     "HN",
		URL:      "https://example.com/list",
		Mode:     config.ModeHTTP,
		Interval: config.Duration(time.Minute),
		Channel:  "https://discord.example/webhook",
		Message:  "{{title}}",
		Rules:    config.Rules{Item: "li.entry", Title: "h2", Link: "a", LinkAttr: "href"},
	}
	if mutate != nil {
		mutate(&src)
	}
	return src
}

func newTestScheduler(t *testing.T, src config.Source, sink notify.Sink, fetcher collector.Fetcher) (*Scheduler, *storage.Store) {
	t.Helper()
	store, err := storage.NewStore(":memory:", "")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	dispatcher := notify.NewDispatcher(sink, rate.NewLimiter(rate.Inf, 1), 1)
	s, err := New([]config.Source{src}, store, fetcher, nil, dispatcher, 2)
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	t.Cleanup(s.cancel)
	return s, store
}

func TestCycleFirstRunSeedsSilently(t *testing.T) {
	src := testSource(nil)
	fetcher := &stubFetcher{html: pageHTML("A", "B")}
	sink := &scriptSink{}
	s, store := newTestScheduler(t, src, sink, fetcher)

	n, err := s.cycle(context.Background(), src)
	if err != nil {
		t.Fatalf("first cycle: %v", err)
	}
	if n != 0 || len(sink.deliveredTitles()) != 0 {
		t.Fatalf("first run must not notify, delivered %d", n)
	}

	st, err := store.Get(context.Background(), "hn")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if st.Fresh || len(st.Notified) != 2 || st.LastHash == "" {
		t.Errorf("first run must seed full state, got fresh=%v notified=%d hash=%q",
			st.Fresh, len(st.Notified), st.LastHash)
	}

	// 第二轮页面没变，一条都不该发
	n, err = s.cycle(context.Background(), src)
	if err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	if n != 0 || len(sink.deliveredTitles()) != 0 {
		t.Errorf("unchanged page notified %d items", n)
	}
}

func TestCycleNotifyOnFirstRun(t *testing.T) {
	src := testSource(func(s *config.Source) { s.NotifyOnFirstRun = true })
	fetcher := &stubFetcher{html: pageHTML("A", "B", "C")}
	sink := &scriptSink{}
	s, _ := newTestScheduler(t, src, sink, fetcher)

	n, err := s.cycle(context.Background(), src)
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if n != 3 {
		t.Fatalf("delivered %d, want 3", n)
	}
	got := sink.deliveredTitles()
	if len(got) != 3 || got[0] != "A" || got[2] != "C" {
		t.Errorf("delivery order wrong: %v", got)
	}
}

func TestCycleDetectsNewItem(t *testing.T) {
	src := testSource(nil)
	fetcher := &stubFetcher{html: pageHTML("A", "B")}
	sink := &scriptSink{}
	s, _ := newTestScheduler(t, src, sink, fetcher)

	if _, err := s.cycle(context.Background(), src); err != nil {
		t.Fatalf("seed cycle: %v", err)
	}

	// 新条目出现在列表顶部
	fetcher.setHTML(pageHTML("Brand New", "A", "B"))
	n, err := s.cycle(context.Background(), src)
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if n != 1 {
		t.Fatalf("delivered %d, want 1", n)
	}
	if got := sink.deliveredTitles(); len(got) != 1 || got[0] != "Brand New" {
		t.Errorf("delivered %v, want only the new item", got)
	}

	// 再跑一轮必须幂等
	n, err = s.cycle(context.Background(), src)
	if err != nil {
		t.Fatalf("idempotence cycle: %v", err)
	}
	if n != 0 {
		t.Errorf("second run re-delivered %d items", n)
	}
}

func TestCyclePartialFailureKeepsProgress(t *testing.T) {
	src := testSource(func(s *config.Source) { s.NotifyOnFirstRun = true })
	fetcher := &stubFetcher{html: pageHTML("A", "B", "C")}
	sink := &scriptSink{failTitle: map[string]error{
		"B": &notify.PermanentError{Status: 400, Err: errors.New("bad payload")},
	}}
	s, store := newTestScheduler(t, src, sink, fetcher)

	n, err := s.cycle(context.Background(), src)
	if err != nil {
		t.Fatalf("cycle should not fail on a single bad item: %v", err)
	}
	if n != 2 {
		t.Fatalf("delivered %d, want 2", n)
	}
	if got := sink.deliveredTitles(); len(got) != 2 || got[0] != "A" || got[1] != "C" {
		t.Errorf("delivered %v, want A then C", got)
	}

	st, err := store.Get(context.Background(), "hn")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(st.Notified) != 2 {
		t.Errorf("notified set has %d entries, want the 2 delivered", len(st.Notified))
	}
	// 有条目没送出去，指纹哈希不能推进
	if st.LastHash != "" {
		t.Errorf("hash advanced to %q despite failed item", st.LastHash)
	}

	failures, err := store.ListFailures(context.Background(), 10)
	if err != nil {
		t.Fatalf("ListFailures: %v", err)
	}
	if len(failures) != 1 || failures[0].Kind != storage.FailurePermanent {
		t.Errorf("failures = %+v, want one permanent record", failures)
	}

	// retry_permanent 默认关闭：下一轮不再碰 B
	n, err = s.cycle(context.Background(), src)
	if err != nil {
		t.Fatalf("followup cycle: %v", err)
	}
	if n != 0 {
		t.Errorf("permanently failed item re-offered, delivered %d", n)
	}
}

func TestCycleRetryPermanentReoffers(t *testing.T) {
	src := testSource(func(s *config.Source) {
		s.NotifyOnFirstRun = true
		s.RetryPermanent = true
	})
	fetcher := &stubFetcher{html: pageHTML("A", "B")}
	sink := &scriptSink{failTitle: map[string]error{
		"B": &notify.PermanentError{Status: 400, Err: errors.New("bad payload")},
	}}
	s, _ := newTestScheduler(t, src, sink, fetcher)

	if _, err := s.cycle(context.Background(), src); err != nil {
		t.Fatalf("first cycle: %v", err)
	}

	// 故障排除后重新放行
	sink.mu.Lock()
	delete(sink.failTitle, "B")
	sink.mu.Unlock()

	n, err := s.cycle(context.Background(), src)
	if err != nil {
		t.Fatalf("retry cycle: %v", err)
	}
	if n != 1 {
		t.Fatalf("delivered %d, want the recovered item", n)
	}
	if got := sink.deliveredTitles(); got[len(got)-1] != "B" {
		t.Errorf("last delivery = %q, want B", got[len(got)-1])
	}
}

func TestCycleExhaustedRecordedNotNotified(t *testing.T) {
	src := testSource(func(s *config.Source) { s.NotifyOnFirstRun = true })
	fetcher := &stubFetcher{html: pageHTML("A")}
	sink := &scriptSink{failTitle: map[string]error{
		"A": &notify.TransientError{Err: errors.New("502")},
	}}
	s, store := newTestScheduler(t, src, sink, fetcher)

	n, err := s.cycle(context.Background(), src)
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if n != 0 {
		t.Fatalf("delivered %d, want 0", n)
	}

	st, err := store.Get(context.Background(), "hn")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	// 额度用尽的条目不算已通知，下一轮还会重试
	if len(st.Notified) != 0 {
		t.Errorf("exhausted item marked notified")
	}

	failures, err := store.ListFailures(context.Background(), 10)
	if err != nil {
		t.Fatalf("ListFailures: %v", err)
	}
	if len(failures) != 1 || failures[0].Kind != storage.FailureExhausted {
		t.Errorf("failures = %+v, want one exhausted record", failures)
	}

	// 故障排除后同一条目恢复投递
	sink.mu.Lock()
	delete(sink.failTitle, "A")
	sink.mu.Unlock()
	n, err = s.cycle(context.Background(), src)
	if err != nil {
		t.Fatalf("recovery cycle: %v", err)
	}
	if n != 1 {
		t.Errorf("recovered delivery count = %d, want 1", n)
	}
}

func TestTriggerNightWindowSkipsEarlyFire(t *testing.T) {
	now := time.Now()
	// 两小时宽的窗口，跨小时边界跑测试也稳
	start := now.Hour()
	end := (start + 2) % 24
	src := testSource(func(s *config.Source) {
		s.NightStart = &start
		s.NightEnd = &end
		s.NightInterval = config.Duration(time.Hour)
	})
	fetcher := &stubFetcher{html: pageHTML("A")}
	s, _ := newTestScheduler(t, src, &scriptSink{}, fetcher)

	// 基础间隔 1m 的定时器照常触发，但夜间有效间隔是 1h：还没到点
	s.mu.Lock()
	s.lastRun[src.ID] = now.Add(-2 * time.Minute)
	s.mu.Unlock()
	s.trigger(src)
	if fetcher.calls != 0 {
		t.Fatalf("early fire inside night window ran a cycle, fetcher called %d times", fetcher.calls)
	}

	// 夜间间隔已满，本次触发要放行
	s.mu.Lock()
	s.lastRun[src.ID] = now.Add(-2 * time.Hour)
	s.mu.Unlock()
	s.trigger(src)
	if fetcher.calls != 1 {
		t.Fatalf("due night fire skipped, fetcher called %d times", fetcher.calls)
	}
}

// blockingFetcher 卡在抓取阶段直到 ctx 取消
type blockingFetcher struct {
	started chan struct{}
}

func (f *blockingFetcher) Fetch(ctx context.Context, src config.Source) (*collector.Document, error) {
	select {
	case f.started <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestStopWaitsForManualRuns(t *testing.T) {
	src := testSource(nil)
	bf := &blockingFetcher{started: make(chan struct{}, 1)}
	s, _ := newTestScheduler(t, src, &scriptSink{}, bf)

	if err := s.RunSource("hn"); err != nil {
		t.Fatalf("RunSource: %v", err)
	}
	<-bf.started

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return while a manual cycle was in flight")
	}

	// Stop 返回后不允许再有在途流水线
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight["hn"] {
		t.Error("cycle still marked in flight after Stop")
	}
}

func TestTriggerSkipsWhileInFlight(t *testing.T) {
	src := testSource(nil)
	fetcher := &stubFetcher{html: pageHTML("A")}
	s, _ := newTestScheduler(t, src, &scriptSink{}, fetcher)

	s.mu.Lock()
	s.inFlight[src.ID] = true
	s.mu.Unlock()

	s.trigger(src)
	if fetcher.calls != 0 {
		t.Errorf("overlapping trigger ran a cycle, fetcher called %d times", fetcher.calls)
	}
}

func TestCycleBrowserSourceWithoutBrowser(t *testing.T) {
	src := testSource(func(s *config.Source) { s.Mode = config.ModeBrowser })
	s, _ := newTestScheduler(t, src, &scriptSink{}, &stubFetcher{html: pageHTML("A")})

	if _, err := s.cycle(context.Background(), src); err == nil {
		t.Fatal("browser source without a browser fetcher must fail the cycle")
	}
}

func TestRunSourceUnknown(t *testing.T) {
	src := testSource(nil)
	s, _ := newTestScheduler(t, src, &scriptSink{}, &stubFetcher{html: pageHTML("A")})

	if err := s.RunSource("nope"); err == nil {
		t.Fatal("unknown source id must error")
	}
	if err := s.RunSource("hn"); err != nil {
		t.Fatalf("known source trigger failed: %v", err)
	}
}
