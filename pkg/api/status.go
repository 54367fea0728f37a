package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ZentaChain/zentalk-chat/pkg/metrics"
	"github.com/ZentaChain/zentalk-chat/pkg/registry"
	"github.com/ZentaChain/zentalk-chat/pkg/storage"
)

// HealthResponse is returned by /health
type HealthResponse struct {
	Status   string `json:"status"`
	Uptime   string `json:"uptime"`
	Sessions int    `json:"sessions"`
}

// UserInfo describes one registered session
type UserInfo struct {
	Username     string    `json:"username"`
	Transport    string    `json:"transport"`
	Address      string    `json:"address"`
	Fingerprint  string    `json:"fingerprint"`
	RegisteredAt time.Time `json:"registeredAt"`
}

// UsersResponse is returned by /api/v1/users
type UsersResponse struct {
	Count int        `json:"count"`
	Users []UserInfo `json:"users"`
}

// StatsResponse is returned by /api/v1/stats
type StatsResponse struct {
	metrics.Stats
	UptimeSeconds  int64 `json:"uptime_seconds"`
	RelayLogSize   int   `json:"relay_log_size"`
	RelayLogActive bool  `json:"relay_log_active"`
}

// RelayResponse is returned by /api/v1/relay/recent
type RelayResponse struct {
	Count   int                   `json:"count"`
	Entries []*storage.RelayEntry `json:"entries"`
}

func userInfo(s registry.Session) UserInfo {
	info := UserInfo{
		Username:     s.Username,
		Fingerprint:  s.Fingerprint,
		RegisteredAt: s.RegisteredAt,
	}
	if s.Endpoint != nil {
		info.Transport = s.Endpoint.Transport()
	}
	if addr := s.Multiaddr(); addr != nil {
		info.Address = addr.String()
	}
	return info
}

// handleHealth handles GET /health
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:   "ok",
		Uptime:   time.Since(s.startTime).Round(time.Second).String(),
		Sessions: s.registry.Count(),
	})
}

// handleUsers handles GET /api/v1/users
func (s *Server) handleUsers(c *gin.Context) {
	sessions := s.registry.Sessions()
	users := make([]UserInfo, 0, len(sessions))
	for _, sess := range sessions {
		users = append(users, userInfo(sess))
	}
	c.JSON(http.StatusOK, UsersResponse{Count: len(users), Users: users})
}

// handleUser handles GET /api/v1/users/:username
func (s *Server) handleUser(c *gin.Context) {
	username := c.Param("username")
	for _, sess := range s.registry.Sessions() {
		if sess.Username == username {
			c.JSON(http.StatusOK, userInfo(sess))
			return
		}
	}
	c.JSON(http.StatusNotFound, ErrorResponse{
		Error:   "User not found",
		Message: username + " is not registered",
	})
}

// handleStats handles GET /api/v1/stats
func (s *Server) handleStats(c *gin.Context) {
	resp := StatsResponse{
		Stats:         s.metrics.Snapshot(),
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
	}
	resp.Sessions = int64(s.registry.Count())

	if s.relayLog != nil {
		resp.RelayLogActive = true
		if n, err := s.relayLog.Count(); err == nil {
			resp.RelayLogSize = n
		}
	}
	c.JSON(http.StatusOK, resp)
}

// handleRelayRecent handles GET /api/v1/relay/recent?limit=N
func (s *Server) handleRelayRecent(c *gin.Context) {
	if s.relayLog == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error:   "Relay log disabled",
			Message: "Start the server with a relay log path to record routing metadata",
		})
		return
	}

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 1000 {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:   "Invalid limit",
				Message: "limit must be a number between 1 and 1000",
			})
			return
		}
		limit = n
	}

	entries, err := s.relayLog.Recent(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Relay log read failed", Message: err.Error()})
		return
	}
	if entries == nil {
		entries = []*storage.RelayEntry{}
	}
	c.JSON(http.StatusOK, RelayResponse{Count: len(entries), Entries: entries})
}
