package collector

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/JTang/NotifyHub/internal/config"
	"github.com/chromedp/chromedp"
	"github.com/rs/zerolog/log"
)

// BrowserFetcher 浏览器渲染模式抓取；整个进程复用一个 headless 实例，
// 每次抓取在独立标签页中执行，标签页数量由固定大小的会话池限制
type BrowserFetcher struct {
	browserCtx    context.Context
	cancelBrowser context.CancelFunc
	cancelAlloc   context.CancelFunc

	slots   chan struct{}
	timeout time.Duration

	// 渲染步骤单独挂出来，池逻辑不依赖真实浏览器
	render func(ctx context.Context, src config.Source) (string, error)
}

func NewBrowserFetcher(poolSize int, timeout time.Duration) *BrowserFetcher {
	if poolSize <= 0 {
		poolSize = 1
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.Background(), chromedp.DefaultExecAllocatorOptions[:]...)
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)

	// 预热浏览器，避免首个请求耗时过长
	if err := chromedp.Run(browserCtx); err != nil {
		log.Warn().Msgf("warmup chromedp failed: %v", err)
	}

	f := &BrowserFetcher{
		browserCtx:    browserCtx,
		cancelBrowser: cancelBrowser,
		cancelAlloc:   cancelAlloc,
		slots:         make(chan struct{}, poolSize),
		timeout:       timeout,
	}
	f.render = f.renderChrome
	return f
}

func (f *BrowserFetcher) Close() {
	f.cancelBrowser()
	f.cancelAlloc()
}

func (f *BrowserFetcher) Fetch(ctx context.Context, src config.Source) (*Document, error) {
	// 占用一个会话槽；取消时直接退出，不留悬挂的标签页
	select {
	case f.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-f.slots }()

	html, err := f.render(ctx, src)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &FetchError{Kind: FetchTimeout, Err: err}
		}
		log.Warn().Msgf("render %s failed: %v", src.ID, err)
		return nil, &FetchError{Kind: FetchRender, Err: err}
	}
	if strings.TrimSpace(html) == "" {
		return nil, &FetchError{Kind: FetchRender, Err: errors.New("empty rendered document")}
	}

	return &Document{
		SourceID:  src.ID,
		URL:       src.URL,
		HTML:      html,
		FetchedAt: time.Now(),
	}, nil
}

func (f *BrowserFetcher) renderChrome(ctx context.Context, src config.Source) (string, error) {
	tabCtx, cancelTab := chromedp.NewContext(f.browserCtx)
	defer cancelTab()

	runCtx, cancelRun := context.WithTimeout(tabCtx, f.timeout)
	defer cancelRun()

	// 外部取消（如停机）也要能中断正在进行的渲染
	stop := context.AfterFunc(ctx, cancelRun)
	defer stop()

	var html string
	tasks := []chromedp.Action{chromedp.Navigate(src.URL)}
	switch {
	case src.Rules.WaitFor != "":
		tasks = append(tasks, chromedp.WaitReady(src.Rules.WaitFor, chromedp.ByQuery))
	case src.Rules.WaitDelay > 0:
		tasks = append(tasks, chromedp.Sleep(src.Rules.WaitDelay.Std()))
	default:
		tasks = append(tasks, chromedp.WaitReady("body", chromedp.ByQuery))
	}
	tasks = append(tasks, chromedp.OuterHTML("html", &html, chromedp.ByQuery))

	if err := chromedp.Run(runCtx, tasks...); err != nil {
		return "", err
	}
	return html, nil
}
