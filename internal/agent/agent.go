package agent

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"geoattend/internal/geofence"
	"geoattend/internal/httpmiddleware"
	"geoattend/internal/model"
	"geoattend/internal/reference"
	"geoattend/internal/remote"
	"geoattend/internal/verification"
)

var errNoSession = errors.New("no active session")

// RemoteAPI is the attendance API as seen by the agent; *remote.Client
// implements it.
type RemoteAPI interface {
	Site(ctx context.Context, id string) (geofence.Site, error)
	History(ctx context.Context, userKey, start, end string) ([]model.AttendanceEvent, error)
}

// EventLister reads events back from the secondary store; *store.Documents
// implements it.
type EventLister interface {
	ListByUser(ctx context.Context, userKey string, limit int64) ([]model.AttendanceEvent, error)
}

// IdentitySource maps this device to the worker using it; *store.Profiles
// implements it.
type IdentitySource interface {
	Identity(ctx context.Context, deviceID string) (model.Identity, error)
	Put(ctx context.Context, id model.Identity) error
}

// Cache holds warm-start data between sessions; *store.LocalCache implements it.
type Cache interface {
	PutSite(ctx context.Context, s geofence.Site) error
	Site(ctx context.Context, id string) (geofence.Site, error)
	PutFix(ctx context.Context, f geofence.Fix) error
	LastFix(ctx context.Context) (*geofence.Fix, error)
}

// Agent serves the local API the UI shell drives. It owns at most one
// verification session at a time.
type Agent struct {
	Orchestrator *verification.Orchestrator
	Feed         *verification.LocationFeed
	// Frames is nil when the camera is not fed by the UI.
	Frames     *verification.FrameCamera
	Remote     RemoteAPI
	Backup     EventLister
	Identities IdentitySource
	Cache      Cache
	DeviceID   string
	Origins    []string

	starting sync.Mutex
	mu       sync.Mutex
	session  *verification.Session
}

// Router builds the gin engine for the local API.
func (a *Agent) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics", "/v1/session/location"},
	}))
	r.Use(httpmiddleware.CORS(a.Origins))

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/v1/history", a.history)

	v1 := r.Group("/v1/session")
	v1.POST("", a.start)
	v1.GET("", a.snapshot)
	v1.DELETE("", a.end)
	v1.POST("/location", a.location)
	v1.POST("/frame", a.frame)
	v1.POST("/attempts", a.attempt)
	v1.GET("/events", a.events)
	return r
}

// Close ends the active session, if any.
func (a *Agent) Close() error {
	a.mu.Lock()
	s := a.session
	a.session = nil
	a.mu.Unlock()
	if s == nil {
		return nil
	}
	return s.End()
}

func (a *Agent) current() (*verification.Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.session == nil {
		return nil, errNoSession
	}
	return a.session, nil
}

type startRequest struct {
	SiteID   string `json:"site_id" binding:"required"`
	UserKey  string `json:"user_key"`
	UserName string `json:"user_name"`
}

func (a *Agent) start(c *gin.Context) {
	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()

	site, err := a.site(ctx, req.SiteID)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, remote.ErrSiteNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	id, err := a.identity(ctx, req)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user key required: " + err.Error()})
		return
	}
	var warm *geofence.Fix
	if a.Cache != nil {
		if warm, err = a.Cache.LastFix(ctx); err != nil {
			log.Printf("warm fix unavailable: %v", err)
		}
	}

	a.starting.Lock()
	defer a.starting.Unlock()
	// Opening a new screen replaces the previous one.
	if err := a.Close(); err != nil {
		log.Printf("end previous session failed: %v", err)
	}
	sess, err := a.Orchestrator.Start(context.Background(), verification.SessionConfig{
		Site:     site,
		Identity: id,
		WarmFix:  warm,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	a.mu.Lock()
	a.session = sess
	a.mu.Unlock()
	c.JSON(http.StatusCreated, sess.Snapshot())
}

// site prefers the API and falls back to the last cached copy.
func (a *Agent) site(ctx context.Context, id string) (geofence.Site, error) {
	site, err := a.Remote.Site(ctx, id)
	if err == nil {
		if a.Cache != nil {
			if cerr := a.Cache.PutSite(ctx, site); cerr != nil {
				log.Printf("cache site %s failed: %v", id, cerr)
			}
		}
		return site, nil
	}
	if errors.Is(err, remote.ErrSiteNotFound) || a.Cache == nil {
		return geofence.Site{}, err
	}
	log.Printf("site %s lookup failed, using cache: %v", id, err)
	cached, cerr := a.Cache.Site(ctx, id)
	if cerr != nil {
		return geofence.Site{}, err
	}
	return cached, nil
}

func (a *Agent) identity(ctx context.Context, req startRequest) (model.Identity, error) {
	if req.UserKey == "" {
		if a.Identities == nil {
			return model.Identity{}, errors.New("no identity bound to device")
		}
		return a.Identities.Identity(ctx, a.DeviceID)
	}
	id := model.Identity{DeviceID: a.DeviceID, UserKey: req.UserKey, UserName: req.UserName}
	if a.Identities != nil {
		if err := a.Identities.Put(ctx, id); err != nil {
			log.Printf("bind device %s to %s failed: %v", a.DeviceID, id.UserKey, err)
		}
	}
	return id, nil
}

// history lists a user's events from the API. When the API cannot be
// reached, events held by the secondary store are returned instead.
func (a *Agent) history(c *gin.Context) {
	userKey := c.Query("user_key")
	if userKey == "" {
		sess, err := a.current()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "user_key required"})
			return
		}
		userKey = sess.Snapshot().Identity.UserKey
	}
	ctx := c.Request.Context()
	events, err := a.Remote.History(ctx, userKey, c.Query("start_date"), c.Query("end_date"))
	var se *remote.StatusError
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"events": nonNil(events), "source": model.SourcePrimary})
		return
	case errors.As(err, &se) && se.Code < http.StatusInternalServerError:
		c.JSON(se.Code, gin.H{"error": se.Message})
		return
	case a.Backup == nil:
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	log.Printf("history for %s from api failed, reading backup: %v", userKey, err)
	events, berr := a.Backup.ListByUser(ctx, userKey, 100)
	if berr != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": nonNil(filterDates(events, c.Query("start_date"), c.Query("end_date"))), "source": model.SourceFallback})
}

func filterDates(events []model.AttendanceEvent, start, end string) []model.AttendanceEvent {
	out := events[:0]
	for _, e := range events {
		if (start == "" || e.Date >= start) && (end == "" || e.Date <= end) {
			out = append(out, e)
		}
	}
	return out
}

func nonNil(events []model.AttendanceEvent) []model.AttendanceEvent {
	if events == nil {
		return []model.AttendanceEvent{}
	}
	return events
}

func (a *Agent) snapshot(c *gin.Context) {
	sess, err := a.current()
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, sess.Snapshot())
}

func (a *Agent) end(c *gin.Context) {
	if _, err := a.current(); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err := a.Close(); err != nil {
		log.Printf("end session: %v", err)
	}
	c.Status(http.StatusNoContent)
}

type locationRequest struct {
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	Accuracy  float64  `json:"accuracy"`
	Available *bool    `json:"available"`
}

func (a *Agent) location(c *gin.Context) {
	var req locationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	fix := geofence.Fix{Available: false}
	if req.Available == nil || *req.Available {
		if req.Latitude == nil || req.Longitude == nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "latitude and longitude required"})
			return
		}
		fix = geofence.Fix{Latitude: *req.Latitude, Longitude: *req.Longitude, Accuracy: req.Accuracy, Available: true}
	}
	a.Feed.Push(fix)
	if fix.Available && a.Cache != nil {
		if err := a.Cache.PutFix(c.Request.Context(), fix); err != nil {
			log.Printf("cache fix failed: %v", err)
		}
	}
	c.Status(http.StatusAccepted)
}

func (a *Agent) frame(c *gin.Context) {
	if a.Frames == nil {
		c.JSON(http.StatusConflict, gin.H{"error": "camera frames are not pushed by the client"})
		return
	}
	if _, err := a.current(); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	data, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, reference.MaxBytes))
	if err != nil {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": err.Error()})
		return
	}
	a.Frames.Push(data)
	c.Status(http.StatusAccepted)
}

func (a *Agent) attempt(c *gin.Context) {
	var req struct {
		Type string `json:"type" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	typ, err := model.ParseType(req.Type)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sess, err := a.current()
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	res, err := sess.Attempt(c.Request.Context(), typ)
	switch {
	case errors.Is(err, verification.ErrAttemptInFlight), errors.Is(err, verification.ErrSessionEnded):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case err != nil:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusOK, res)
	}
}

// events streams state transitions as server-sent events until the session
// ends or the client goes away.
func (a *Agent) events(c *gin.Context) {
	sess, err := a.current()
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	ch, cancel := sess.Subscribe()
	defer cancel()

	c.SSEvent("snapshot", sess.Snapshot())
	c.Writer.Flush()
	c.Stream(func(w io.Writer) bool {
		select {
		case t, ok := <-ch:
			if !ok {
				c.SSEvent("end", gin.H{"state": verification.Idle})
				return false
			}
			c.SSEvent("transition", t)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}
