package api

import (
	"bytes"
	"context"
	"crypto/subtle"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"geoattend/internal/attendance"
	"geoattend/internal/auth"
	"geoattend/internal/httpmiddleware"
	"geoattend/internal/metrics"
	"geoattend/internal/model"
	"geoattend/internal/reference"
)

// TokenStore tracks issued refresh tokens; *attendance.Repository implements it.
type TokenStore interface {
	SaveRefreshToken(ctx context.Context, deviceID, token string, expiresAt time.Time) error
	ConsumeRefreshToken(ctx context.Context, token string) (bool, error)
}

// Checker reports the health of a dependency.
type Checker interface {
	Healthy(ctx context.Context) bool
}

// Server is the remote attendance API.
type Server struct {
	Service *attendance.Service
	Tokens  TokenStore
	Issuer  *auth.Issuer
	Limiter *httpmiddleware.SimpleTokenBucket
	Checks  map[string]Checker
	Origins []string
	// AdminKey is the X-Admin-Key value that registers a device as admin.
	// Empty disables admin registration.
	AdminKey string
}

// Router builds the gin engine with all routes.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(httpmiddleware.CORS(s.Origins))
	r.Use(httpmiddleware.SecurityHeaders())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/healthz", s.health)

	r.POST("/v1/devices/register", s.register)
	r.POST("/v1/devices/refresh", s.refresh)

	authed := r.Group("/v1", auth.DeviceAuth(s.Issuer))
	if s.Limiter != nil {
		authed.Use(s.Limiter.GinMiddleware())
	}
	devices := authed.Group("", auth.RequireRole(auth.RoleDevice, auth.RoleAdmin))
	devices.POST("/attendance", s.submit)
	devices.GET("/attendance/history", s.history)
	devices.GET("/sites/:id", s.site)

	// Enrolling a reference face decides who a device can verify as.
	admin := authed.Group("", auth.RequireRole(auth.RoleAdmin))
	admin.PUT("/users/:user_key/reference", s.enroll)
	return r
}

func (s *Server) health(c *gin.Context) {
	status := http.StatusOK
	body := gin.H{"status": "ok"}
	for name, check := range s.Checks {
		ok := check.Healthy(c.Request.Context())
		body[name] = ok
		if !ok {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
		}
	}
	c.JSON(status, body)
}

func (s *Server) respondTokens(c *gin.Context, deviceID string, tokens auth.TokenPair, status int) {
	if err := s.Tokens.SaveRefreshToken(c.Request.Context(), deviceID, tokens.RefreshToken, tokens.RefreshExp); err != nil {
		log.Printf("save refresh token for %s failed: %v", deviceID, err)
	}
	c.JSON(status, gin.H{
		"access_token":  tokens.AccessToken,
		"refresh_token": tokens.RefreshToken,
		"expires_at":    tokens.AccessExp.Unix(),
	})
}

func (s *Server) register(c *gin.Context) {
	var req struct {
		DeviceID string `json:"device_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	role := auth.RoleDevice
	if key := c.GetHeader("X-Admin-Key"); key != "" {
		if s.AdminKey == "" || subtle.ConstantTimeCompare([]byte(key), []byte(s.AdminKey)) != 1 {
			c.JSON(http.StatusForbidden, gin.H{"error": "invalid admin key"})
			return
		}
		role = auth.RoleAdmin
	}
	if err := s.Service.RegisterDevice(c.Request.Context(), req.DeviceID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	tokens, err := s.Issuer.Issue(req.DeviceID, role)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
		return
	}
	s.respondTokens(c, req.DeviceID, tokens, http.StatusCreated)
}

func (s *Server) refresh(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refresh_token" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	claims, tokens, err := s.Issuer.Refresh(req.RefreshToken)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	ok, err := s.Tokens.ConsumeRefreshToken(c.Request.Context(), req.RefreshToken)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token lookup failed"})
		return
	}
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "refresh token revoked"})
		return
	}
	s.respondTokens(c, claims.Subject, tokens, http.StatusOK)
}

func (s *Server) submit(c *gin.Context) {
	var req struct {
		UserKey    string   `json:"user_key" binding:"required"`
		Type       string   `json:"type" binding:"required"`
		Confidence *float64 `json:"confidence" binding:"required"`
		SiteID     string   `json:"site_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	claims, _ := auth.ClaimsFrom(c)

	evt, err := s.Service.Submit(c.Request.Context(), attendance.SubmitInput{
		UserKey:    req.UserKey,
		DeviceID:   claims.Subject,
		Type:       req.Type,
		Confidence: *req.Confidence,
		SiteID:     req.SiteID,
	})
	if err != nil {
		metrics.Submissions.WithLabelValues(req.Type, "error").Inc()
		s.fail(c, err)
		return
	}
	metrics.Submissions.WithLabelValues(string(evt.Type), "ok").Inc()
	c.JSON(http.StatusCreated, model.Receipt{
		EventID: evt.ID,
		Date:    evt.Date,
		Time:    evt.Time,
		Message: evt.Type.Label() + " marked successfully",
	})
}

func (s *Server) history(c *gin.Context) {
	events, err := s.Service.History(c.Request.Context(), c.Query("user_key"), c.Query("start_date"), c.Query("end_date"))
	if err != nil {
		s.fail(c, err)
		return
	}
	if events == nil {
		events = []model.AttendanceEvent{}
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func (s *Server) site(c *gin.Context) {
	site, err := s.Service.Site(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, site)
}

func (s *Server) enroll(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, reference.MaxBytes+1<<20)

	var data []byte
	var name *string
	if strings.Contains(c.ContentType(), "multipart/form-data") {
		file, _, err := c.Request.FormFile("file")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "file field required"})
			return
		}
		defer file.Close()
		var buf bytes.Buffer
		if _, err := io.Copy(&buf, io.LimitReader(file, reference.MaxBytes+1)); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "read file failed"})
			return
		}
		data = buf.Bytes()
		if n := c.Request.FormValue("name"); n != "" {
			name = &n
		}
	} else {
		var err error
		if data, err = io.ReadAll(c.Request.Body); err != nil {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": reference.ErrTooLarge.Error()})
			return
		}
	}

	res, err := s.Service.EnrollReference(c.Request.Context(), c.Param("user_key"), name, data)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"path":      reference.Path(c.Param("user_key")),
		"public_id": res.PublicID,
		"url":       res.SecureURL,
		"bytes":     res.Bytes,
	})
}

// fail maps service errors to HTTP responses without leaking internals.
func (s *Server) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, attendance.ErrUserNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "User not found"})
	case errors.Is(err, attendance.ErrSiteNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, attendance.ErrInvalid), errors.Is(err, reference.ErrUnreadable):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, reference.ErrTooLarge):
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": err.Error()})
	case errors.Is(err, attendance.ErrNoStorage):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		log.Printf("%s %s failed: %v", c.Request.Method, c.FullPath(), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
