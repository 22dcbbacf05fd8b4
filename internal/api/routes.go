package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/replicon-project/replicon/internal/config"
	"github.com/replicon-project/replicon/internal/health"
	"github.com/replicon-project/replicon/internal/transport"
	"github.com/replicon-project/replicon/internal/util"
)

// ConnectionView is the JSON form of a transport connection.
type ConnectionView struct {
	ID          uint32    `json:"id"`
	SessionID   string    `json:"session_id"`
	Remote      string    `json:"remote"`
	State       string    `json:"state"`
	PingMs      float64   `json:"ping_ms"`
	Pending     int       `json:"pending_reliable"`
	Groups      []int     `json:"groups"`
	LastReceive time.Time `json:"last_receive"`
}

// EntityView is the JSON form of a replicated entity.
type EntityView struct {
	ID        uint16 `json:"id"`
	Class     string `json:"class"`
	Group     uint8  `json:"group"`
	Published bool   `json:"published"`
}

func viewConnection(c *transport.Connection) ConnectionView {
	groups := []int{}
	for _, g := range c.Groups() {
		groups = append(groups, int(g))
	}
	return ConnectionView{
		ID:          c.ID(),
		SessionID:   c.SessionID(),
		Remote:      c.RemoteAddr().String(),
		State:       c.State().String(),
		PingMs:      float64(c.Ping()) / float64(time.Millisecond),
		Pending:     c.PendingReliable(),
		Groups:      groups,
		LastReceive: c.LastReceive(),
	}
}

func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "replicon",
	})
}

func (s *Server) handleInfo(c *gin.Context) {
	info := gin.H{
		"system":  util.GetSystemInfo(),
		"classes": s.deps.Host.Manager().Registry().Classes(),
	}
	if addr := s.deps.Host.Server().Addr(); addr != nil {
		info["udp_port"] = addr.Port
	}
	c.JSON(http.StatusOK, info)
}

// handleStatus summarises the host.
func (s *Server) handleStatus(c *gin.Context) {
	host := s.deps.Host
	status := gin.H{
		"running":     host.Server().Running(),
		"connections": host.Server().Count(),
		"entities":    host.Manager().Count(),
		"free_ids":    host.Manager().FreeIDs(),
		"ticks":       host.Ticks(),
		"uptime_sec":  int64(time.Since(s.started).Seconds()),
		"resources":   util.GetResourceUsage(),
	}
	if s.deps.Tasks != nil {
		status["tasks"] = s.deps.Tasks()
	}
	if s.deps.Journal != nil {
		if sum, err := s.deps.Journal.Summary(c.Request.Context()); err == nil {
			status["journal"] = sum
		}
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) handleHealth(c *gin.Context) {
	if s.deps.Health == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "health monitoring disabled"})
		return
	}
	report := s.deps.Health.Last()
	code := http.StatusOK
	if report.Status == health.LevelCritical {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, report)
}

func (s *Server) handleListConnections(c *gin.Context) {
	conns := s.deps.Host.Server().Connections()
	out := make([]ConnectionView, 0, len(conns))
	for _, conn := range conns {
		out = append(out, viewConnection(conn))
	}
	c.JSON(http.StatusOK, gin.H{
		"connections": out,
		"total":       len(out),
	})
}

func (s *Server) handleGetConnection(c *gin.Context) {
	conn, ok := s.connectionParam(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, viewConnection(conn))
}

func (s *Server) handleJoinGroup(c *gin.Context) {
	s.changeGroup(c, s.deps.Host.AddToGroup)
}

func (s *Server) handleLeaveGroup(c *gin.Context) {
	s.changeGroup(c, s.deps.Host.RemoveFromGroup)
}

func (s *Server) changeGroup(c *gin.Context, apply func(connID uint32, group uint8) error) {
	conn, ok := s.connectionParam(c)
	if !ok {
		return
	}
	group, err := strconv.ParseUint(c.Param("group"), 10, 8)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid group"})
		return
	}
	if err := apply(conn.ID(), uint8(group)); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, transport.ErrClosed) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	s.logger.Info().Uint32("conn_id", conn.ID()).Uint64("group", group).Str("method", c.Request.Method).Msg("API: group changed")
	c.JSON(http.StatusOK, viewConnection(conn))
}

func (s *Server) handleDisconnect(c *gin.Context) {
	conn, ok := s.connectionParam(c)
	if !ok {
		return
	}
	if err := s.deps.Host.Server().Disconnect(conn.ID()); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	s.logger.Info().Uint32("conn_id", conn.ID()).Msg("API: connection kicked")
	c.JSON(http.StatusOK, gin.H{"status": "disconnected", "id": conn.ID()})
}

func (s *Server) handleListEntities(c *gin.Context) {
	m := s.deps.Host.Manager()
	class := c.Query("class")

	out := []EntityView{}
	for _, e := range m.Entities() {
		if class != "" && e.ClassName() != class {
			continue
		}
		out = append(out, EntityView{
			ID:        e.EntityID(),
			Class:     e.ClassName(),
			Group:     e.Group(),
			Published: m.IsPublished(e.EntityID()),
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"entities": out,
		"total":    len(out),
	})
}

func (s *Server) handleListSessions(c *gin.Context) {
	if s.deps.Journal == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "journal disabled"})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit < 1 {
		limit = 50
	}
	if limit > 1000 {
		limit = 1000
	}

	sessions, err := s.deps.Journal.Recent(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

func (s *Server) handleGetConfig(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"network":          s.cfg.GetNetwork(),
		"replication":      s.cfg.GetReplication(),
		"application_data": s.cfg.GetApplicationData(),
	})
}

// handleSetNetworkField updates one network setting. Changes apply on the
// next start.
func (s *Server) handleSetNetworkField(c *gin.Context) {
	var req struct {
		Field string      `json:"field" binding:"required"`
		Value interface{} `json:"value"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	previous := s.cfg.GetNetwork()
	if err := s.cfg.UpdateNetworkField(req.Field, req.Value); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if result := config.Validate(s.cfg); !result.IsValid() {
		s.cfg.SetNetwork(previous)
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation failed", "errors": result.Errors})
		return
	}
	if s.cfg.Path() != "" {
		if err := s.cfg.Save(); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save config"})
			return
		}
	}

	s.logger.Info().Str("field", req.Field).Msg("API: network config updated")
	c.JSON(http.StatusOK, gin.H{
		"status":          "updated",
		"network":         s.cfg.GetNetwork(),
		"restart_pending": true,
	})
}

func (s *Server) connectionParam(c *gin.Context) (*transport.Connection, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid connection id"})
		return nil, false
	}
	conn, ok := s.deps.Host.Server().Connection(uint32(id))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "connection not found"})
		return nil, false
	}
	return conn, true
}

