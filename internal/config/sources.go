package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	ModeHTTP    = "http"
	ModeBrowser = "browser"
)

// Duration 包装 time.Duration，支持 "30s" / "5m" 这类 YAML 写法
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(dur)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Rules 描述如何从页面中提取条目；选择器为 CSS 语法
type Rules struct {
	// Item 匹配一个条目的容器节点，必填
	Item string `yaml:"item"`
	// IDAttr 条目上承载稳定标识的属性（如 data-id）；为空时退化为链接，再退化为标题文本
	IDAttr string `yaml:"id_attr"`
	Title  string `yaml:"title"`
	Link   string `yaml:"link"`
	// LinkAttr 默认 href
	LinkAttr string `yaml:"link_attr"`

	// 浏览器渲染模式下的就绪条件：优先等待选择器出现，否则固定延时
	WaitFor   string   `yaml:"wait_for"`
	WaitDelay Duration `yaml:"wait_delay"`
}

// Source 一个被轮询的外部数据源，启动时从 YAML 加载，运行期不可变
type Source struct {
	ID       string   `yaml:"id"`
	Name     string   `yaml:"name"`
	URL      string   `yaml:"url"`
	Mode     string   `yaml:"mode"`
	Interval Duration `yaml:"interval"`
	Enabled  *bool    `yaml:"enabled"`

	// Discord 投递目标
	Channel string `yaml:"channel"`
	Mention string `yaml:"mention"`
	Message string `yaml:"message"`

	Rules Rules `yaml:"rules"`

	// 首轮行为与永久失败重试策略都是显式配置，不靠默认行为撞出来
	NotifyOnFirstRun bool `yaml:"notify_on_first_run"`
	RetryPermanent   bool `yaml:"retry_permanent"`

	// 夜间模式：窗口内放慢轮询
	NightStart    *int     `yaml:"night_start"`
	NightEnd      *int     `yaml:"night_end"`
	NightInterval Duration `yaml:"night_interval"`
}

func (s *Source) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// InNightWindow 判断 now 是否落在夜间窗口内；窗口可以跨零点（如 23 -> 7）
func (s *Source) InNightWindow(now time.Time) bool {
	if s.NightStart == nil || s.NightEnd == nil {
		return false
	}
	h := now.Hour()
	start, end := *s.NightStart, *s.NightEnd
	if start == end {
		return false
	}
	if start < end {
		return h >= start && h < end
	}
	return h >= start || h < end
}

// EffectiveInterval 返回当前时刻应使用的轮询间隔
func (s *Source) EffectiveInterval(now time.Time) time.Duration {
	if s.InNightWindow(now) && s.NightInterval > 0 {
		return s.NightInterval.Std()
	}
	return s.Interval.Std()
}

type sourcesFile struct {
	Sources []Source `yaml:"sources"`
}

// LoadSources 从 YAML 文件加载数据源列表并校验
func LoadSources(path string) ([]Source, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read sources file: %w", err)
	}
	return ParseSources(data)
}

func ParseSources(data []byte) ([]Source, error) {
	var f sourcesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse sources yaml: %w", err)
	}
	if len(f.Sources) == 0 {
		return nil, fmt.Errorf("no sources configured")
	}

	seen := make(map[string]struct{}, len(f.Sources))
	for i := range f.Sources {
		s := &f.Sources[i]
		if err := validateSource(s); err != nil {
			return nil, fmt.Errorf("source %q: %w", s.ID, err)
		}
		if _, ok := seen[s.ID]; ok {
			return nil, fmt.Errorf("duplicate source id %q", s.ID)
		}
		seen[s.ID] = struct{}{}
		applyDefaults(s)
	}
	return f.Sources, nil
}

func validateSource(s *Source) error {
	if s.ID == "" {
		return fmt.Errorf("id is required")
	}
	if u, err := url.Parse(s.URL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid url %q", s.URL)
	}
	if s.Mode != ModeHTTP && s.Mode != ModeBrowser {
		return fmt.Errorf("unknown mode %q (want %s or %s)", s.Mode, ModeHTTP, ModeBrowser)
	}
	if s.Interval <= 0 {
		return fmt.Errorf("interval must be positive")
	}
	if s.Channel == "" {
		return fmt.Errorf("channel (webhook url) is required")
	}
	if s.Rules.Item == "" {
		return fmt.Errorf("rules.item selector is required")
	}
	if (s.NightStart == nil) != (s.NightEnd == nil) {
		return fmt.Errorf("night_start and night_end must be set together")
	}
	if s.NightStart != nil {
		if *s.NightStart < 0 || *s.NightStart > 23 || *s.NightEnd < 0 || *s.NightEnd > 23 {
			return fmt.Errorf("night hours must be within 0-23")
		}
	}
	return nil
}

func applyDefaults(s *Source) {
	if s.Name == "" {
		s.Name = s.ID
	}
	if s.Rules.LinkAttr == "" {
		s.Rules.LinkAttr = "href"
	}
	if s.Message == "" {
		s.Message = "{{name}} has new content"
	}
}
