package collector

import (
	"context"
	"fmt"
	"time"

	"github.com/JTang/NotifyHub/internal/config"
)

// Document 一次抓取得到的原始页面，仅在单次流水线内存活
type Document struct {
	SourceID  string
	URL       string
	HTML      string
	FetchedAt time.Time
}

// Item 源内一个离散的内容单元，ID 由内容的稳定字段派生
type Item struct {
	ID        string
	Title     string
	URL       string
	Payload   map[string]any
	FirstSeen time.Time
}

// Fingerprint 文档的确定性摘要：全文哈希 + 有序条目列表
type Fingerprint struct {
	SourceID string
	Hash     string
	Items    []Item
}

// Fetcher 抽象一种抓取方式（纯 HTTP 或浏览器渲染）
type Fetcher interface {
	Fetch(ctx context.Context, src config.Source) (*Document, error)
}

type FetchErrorKind string

const (
	FetchTimeout    FetchErrorKind = "timeout"
	FetchNetwork    FetchErrorKind = "network"
	FetchHTTPStatus FetchErrorKind = "http_status"
	FetchRender     FetchErrorKind = "render"
)

// FetchError 抓取失败的统一错误，本轮不重试，等下一个调度周期
type FetchError struct {
	Kind   FetchErrorKind
	Status int
	Err    error
}

func (e *FetchError) Error() string {
	if e.Kind == FetchHTTPStatus {
		return fmt.Sprintf("fetch failed: unexpected status %d", e.Status)
	}
	return fmt.Sprintf("fetch failed (%s): %v", e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }
