package processor

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"

	"github.com/JTang/NotifyHub/internal/collector"
	"github.com/JTang/NotifyHub/internal/config"
	"github.com/PuerkitoBio/goquery"
)

// ExtractionError 文档能取回但形状不符合提取规则；本轮中止，不落任何状态
type ExtractionError struct {
	SourceID string
	Err      error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extract %s: %v", e.SourceID, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// Extract 按数据源配置的选择器把文档归约为指纹。
// 必须纯且确定：同一文档必然产出同一指纹；条目 ID 只依赖条目自身的
// 稳定字段（id 属性 / 链接 / 标题），与整页哈希解耦，页面其它区域的
// 改动不会让旧条目被重复识别为新条目。
func Extract(doc *collector.Document, rules config.Rules) (*collector.Fingerprint, error) {
	gq, err := goquery.NewDocumentFromReader(strings.NewReader(doc.HTML))
	if err != nil {
		return nil, &ExtractionError{SourceID: doc.SourceID, Err: err}
	}

	base, _ := url.Parse(doc.URL)

	items := make([]collector.Item, 0, 32)
	seen := make(map[string]struct{})

	gq.Find(rules.Item).Each(func(i int, sel *goquery.Selection) {
		title := itemTitle(sel, rules)
		link := itemLink(sel, rules, base)

		identity := ""
		if rules.IDAttr != "" {
			identity, _ = sel.Attr(rules.IDAttr)
			identity = strings.TrimSpace(identity)
		}
		if identity == "" {
			identity = link
		}
		if identity == "" {
			identity = title
		}
		if identity == "" {
			// 空壳节点，多半是占位或广告槽
			return
		}

		id := hashIdentity(doc.SourceID, identity)
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}

		items = append(items, collector.Item{
			ID:    id,
			Title: title,
			URL:   link,
			Payload: map[string]any{
				"identity": identity,
				"position": i + 1,
			},
			FirstSeen: doc.FetchedAt,
		})
	})

	if len(items) == 0 {
		return nil, &ExtractionError{SourceID: doc.SourceID, Err: fmt.Errorf("selector %q matched no items", rules.Item)}
	}

	return &collector.Fingerprint{
		SourceID: doc.SourceID,
		Hash:     hashText(gq.Text()),
		Items:    items,
	}, nil
}

func itemTitle(sel *goquery.Selection, rules config.Rules) string {
	if rules.Title != "" {
		return normalizeText(sel.Find(rules.Title).First().Text())
	}
	return normalizeText(sel.Text())
}

func itemLink(sel *goquery.Selection, rules config.Rules, base *url.URL) string {
	linkSel := sel.Find("a").First()
	if rules.Link != "" {
		linkSel = sel.Find(rules.Link).First()
	}
	href, ok := linkSel.Attr(rules.LinkAttr)
	if !ok {
		// 条目本身就是链接节点的情况
		href, _ = sel.Attr(rules.LinkAttr)
	}
	href = strings.TrimSpace(href)
	if href == "" || base == nil {
		return href
	}
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	return base.ResolveReference(ref).String()
}

// normalizeText 折叠所有空白，保证排版噪音不影响条目标识
func normalizeText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func hashIdentity(sourceID, identity string) string {
	h := sha1.New()
	h.Write([]byte(sourceID))
	h.Write([]byte{0})
	h.Write([]byte(identity))
	return hex.EncodeToString(h.Sum(nil))
}

// hashText 整页内容哈希，只作为变更检测的快路径提示
func hashText(s string) string {
	h := sha1.New()
	h.Write([]byte(normalizeText(s)))
	return hex.EncodeToString(h.Sum(nil))
}
