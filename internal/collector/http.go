package collector

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/JTang/NotifyHub/internal/config"
	"github.com/gocolly/colly/v2"
	"github.com/rs/zerolog/log"
)

const (
	httpUserAgent   = "NotifyHubBot/1.0"
	httpMaxBodySize = 2 << 20 // 2MB，防止超大 HTML 拖垮提取
)

// HTTPFetcher 纯 HTTP 模式抓取；每次抓取新建 collector，互不串味
type HTTPFetcher struct {
	Timeout time.Duration
}

func NewHTTPFetcher(timeout time.Duration) *HTTPFetcher {
	return &HTTPFetcher{Timeout: timeout}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, src config.Source) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c := colly.NewCollector(
		colly.UserAgent(httpUserAgent),
		colly.AllowURLRevisit(),
		colly.MaxBodySize(httpMaxBodySize),
	)
	c.SetRequestTimeout(f.Timeout)

	var (
		body   []byte
		status int
	)
	c.OnResponse(func(r *colly.Response) {
		body = r.Body
		status = r.StatusCode
	})
	c.OnError(func(r *colly.Response, err error) {
		if r != nil {
			status = r.StatusCode
		}
	})

	// colly 的 Visit 不感知 ctx：放到独立 goroutine 里跑，取消时立即
	// 返回，请求本身由 SetRequestTimeout 兜底收尾
	done := make(chan error, 1)
	go func() { done <- c.Visit(src.URL) }()

	var visitErr error
	select {
	case visitErr = <-done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if visitErr != nil {
		log.Warn().Msgf("fetch %s failed: %v", src.ID, visitErr)
		return nil, classifyHTTPError(visitErr, status)
	}
	if len(body) == 0 {
		return nil, &FetchError{Kind: FetchNetwork, Err: errors.New("empty response body")}
	}

	return &Document{
		SourceID:  src.ID,
		URL:       src.URL,
		HTML:      string(body),
		FetchedAt: time.Now(),
	}, nil
}

// classifyHTTPError 把传输层错误归入规范中的错误分类
func classifyHTTPError(err error, status int) *FetchError {
	if status >= http.StatusBadRequest {
		return &FetchError{Kind: FetchHTTPStatus, Status: status, Err: err}
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return &FetchError{Kind: FetchTimeout, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &FetchError{Kind: FetchTimeout, Err: err}
	}
	return &FetchError{Kind: FetchNetwork, Err: err}
}
