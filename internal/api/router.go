package api

import (
	"crypto/subtle"
	"net/http"
	"strconv"
	"time"

	"github.com/JTang/NotifyHub/internal/config"
	"github.com/JTang/NotifyHub/internal/scheduler"
	"github.com/JTang/NotifyHub/internal/storage"
	"github.com/gin-gonic/gin"
)

// Server 运维侧只读 API + 手动触发入口；通知主链路不经过这里
type Server struct {
	cfg   *config.Config
	store *storage.Store
	sched *scheduler.Scheduler
}

func NewServer(cfg *config.Config, store *storage.Store, sched *scheduler.Scheduler) *Server {
	return &Server{cfg: cfg, store: store, sched: sched}
}

func (s *Server) Router() *gin.Engine {
	r := gin.Default()

	// 健康检查不走鉴权，给探针用
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "uptime": s.sched.Uptime().String()})
	})

	v1 := r.Group("/api/v1", s.basicAuth())
	{
		v1.GET("/sources", s.listSources)
		v1.GET("/status", s.listStatus)
		v1.GET("/notified", s.listNotified)
		v1.GET("/failures", s.listFailures)
		v1.POST("/check/:source", s.triggerCheck)
	}
	return r
}

// basicAuth 常数时间比较；没配置凭据时不启用鉴权
func (s *Server) basicAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.BasicAuthUser == "" {
			c.Next()
			return
		}
		user, pass, ok := c.Request.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(user), []byte(s.cfg.BasicAuthUser)) != 1 ||
			subtle.ConstantTimeCompare([]byte(pass), []byte(s.cfg.BasicAuthPass)) != 1 {
			c.Header("WWW-Authenticate", `Basic realm="notifyhub"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

type sourceView struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	URL       string    `json:"url"`
	Mode      string    `json:"mode"`
	Interval  string    `json:"interval"`
	Enabled   bool      `json:"enabled"`
	LastHash  string    `json:"lastHash,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// listSources 返回加载的源配置及其落盘状态；webhook 地址属于凭据，不回显
func (s *Server) listSources(c *gin.Context) {
	states, err := s.store.ListStates(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	byID := make(map[string]storage.SourceState, len(states))
	for _, st := range states {
		byID[st.SourceID] = st
	}

	srcs := s.sched.Sources()
	out := make([]sourceView, 0, len(srcs))
	for i := range srcs {
		src := &srcs[i]
		v := sourceView{
			ID:       src.ID,
			Name:     src.Name,
			URL:      src.URL,
			Mode:     src.Mode,
			Interval: src.Interval.Std().String(),
			Enabled:  src.IsEnabled(),
		}
		if st, ok := byID[src.ID]; ok {
			v.LastHash = st.LastHash
			v.UpdatedAt = st.UpdatedAt
		}
		out = append(out, v)
	}
	c.JSON(http.StatusOK, gin.H{"sources": out})
}

func (s *Server) listStatus(c *gin.Context) {
	states, err := s.store.ListStates(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"uptime": s.sched.Uptime().String(),
		"checks": s.sched.Status(),
		"states": states,
	})
}

func (s *Server) listNotified(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	list, err := s.store.ListNotified(c.Request.Context(), c.Query("source"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": list})
}

func (s *Server) listFailures(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	list, err := s.store.ListFailures(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"failures": list})
}

// triggerCheck 手动触发一轮检查，异步执行，立即返回
func (s *Server) triggerCheck(c *gin.Context) {
	id := c.Param("source")
	if err := s.sched.RunSource(id); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"source": id, "triggered_at": time.Now().Format(time.RFC3339)})
}
