package node

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/meshbus/internal/config"
	"github.com/danmuck/meshbus/internal/observability"
	"github.com/danmuck/meshbus/internal/services"
	"github.com/danmuck/meshbus/internal/transport"
)

// maxPublishBytes bounds POST /topics/:topic/messages bodies.
const maxPublishBytes = 1 << 20

func newRouter(cfg config.NodeConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware(cfg.ID))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(cfg.CorsOrigins),
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	proxies := cfg.TrustedProxies
	if len(proxies) == 0 {
		proxies = []string{"127.0.0.1", "::1"}
	}
	_ = r.SetTrustedProxies(proxies)
	return r
}

// BridgesView is the GET /bridges body.
type BridgesView struct {
	Links []transport.LinkStatus `json:"links"`
	Peers []transport.PeerStatus `json:"peers"`
}

func (s *Service) RegisterRoutes() {
	r := s.router
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.started).String(),
			"node":    s.cfg.ID,
			"version": Version,
		})
	})

	r.GET("/ready", func(c *gin.Context) {
		status := http.StatusOK
		if !s.ready.Load() {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"ready":   s.ready.Load(),
			"uptime":  time.Since(s.started).String(),
			"node":    s.cfg.ID,
			"version": Version,
		})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/topics", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.reg.Snapshot())
	})

	r.GET("/bridges", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.Bridges())
	})

	r.POST("/topics/:topic/messages", s.handlePublish)

	r.GET("/services", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"services": s.services.List()})
	})

	r.POST("/services/:service/actions/:action", func(c *gin.Context) {
		out, err := s.services.Execute(c.Param("service"), c.Param("action"))
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, services.ErrServiceNotFound) || errors.Is(err, services.ErrActionNotFound) {
				status = http.StatusNotFound
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "output": out})
	})

	r.GET("/ws", gin.WrapF(s.server.ServeWebSocket))
}

func (s *Service) Bridges() BridgesView {
	view := BridgesView{
		Links: make([]transport.LinkStatus, 0, len(s.links)),
		Peers: s.server.Peers(),
	}
	for _, link := range s.links {
		view.Links = append(view.Links, link.Status())
	}
	return view
}

// handlePublish sends the request body anonymously. JSON bodies become
// object payloads, application/octet-stream bytes, anything else text.
func (s *Service) handlePublish(c *gin.Context) {
	topic := c.Param("topic")
	var cid uint64
	if raw := c.Query("cid"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid cid"})
			return
		}
		cid = v
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxPublishBytes)
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": err.Error()})
		return
	}

	var payload any
	switch c.ContentType() {
	case "application/json":
		var v any
		if err := json.Unmarshal(body, &v); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json body"})
			return
		}
		payload = v
	case "application/octet-stream":
		payload = body
	default:
		payload = strings.TrimRight(string(body), "\r\n")
	}

	delivered, err := s.reg.Send(nil, topic, payload, cid)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"topic": topic, "delivered": delivered})
}
