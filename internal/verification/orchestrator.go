package verification

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"geoattend/internal/face"
	"geoattend/internal/geofence"
	"geoattend/internal/metrics"
	"geoattend/internal/model"
	"geoattend/internal/scoring"
)

var (
	ErrAttemptInFlight = errors.New("verification attempt already in flight")
	ErrSessionEnded    = errors.New("verification session ended")
)

// FaceExtractor is satisfied by *face.Extractor.
type FaceExtractor interface {
	Present(ctx context.Context, image []byte) (bool, error)
	Extract(ctx context.Context, image []byte) (face.Descriptor, error)
}

// ReferenceSource is satisfied by *reference.Provider.
type ReferenceSource interface {
	Fetch(ctx context.Context, userKey string) ([]byte, error)
}

// Recorder persists a verified attempt. It is satisfied by *recorder.Recorder.
type Recorder interface {
	Record(ctx context.Context, sub model.Submission) (model.AttendanceEvent, error)
}

// Orchestrator opens verification sessions over its collaborators.
type Orchestrator struct {
	Cameras    CameraProvider
	Locations  LocationSource
	Faces      FaceExtractor
	References ReferenceSource
	Recorder   Recorder
	// Score defaults to scoring.Confidence.
	Score ScoreFunc
	Now   func() time.Time
}

func New(cameras CameraProvider, locations LocationSource, faces FaceExtractor, refs ReferenceSource, rec Recorder) *Orchestrator {
	return &Orchestrator{
		Cameras:    cameras,
		Locations:  locations,
		Faces:      faces,
		References: refs,
		Recorder:   rec,
		Score:      scoring.Confidence,
		Now:        time.Now,
	}
}

// SessionConfig describes who is verifying where.
type SessionConfig struct {
	Site     geofence.Site
	Identity model.Identity
	// WarmFix seeds the last known location; it never gates an attempt.
	WarmFix *geofence.Fix
}

// Start binds the camera and location updates and moves the session from
// IDLE to LOCATING. Both are released by End or when ctx is done.
func (o *Orchestrator) Start(ctx context.Context, cfg SessionConfig) (*Session, error) {
	if cfg.Identity.UserKey == "" {
		return nil, errors.New("user key required")
	}
	sctx, cancel := context.WithCancel(ctx)
	cam, err := o.Cameras.Open(sctx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open camera: %w", err)
	}
	fixes, err := o.Locations.Updates(sctx)
	if err != nil {
		cancel()
		_ = cam.Close()
		return nil, fmt.Errorf("subscribe location: %w", err)
	}

	s := &Session{
		o:       o,
		cfg:     cfg,
		ctx:     sctx,
		cancel:  cancel,
		camera:  cam,
		tracker: geofence.NewTracker(cfg.Site, cfg.WarmFix),
		state:   Idle,
		subs:    make(map[int]chan Transition),
	}
	s.mu.Lock()
	s.setLocked(Locating, "")
	s.mu.Unlock()

	s.wg.Add(1)
	go s.watch(fixes)
	go func() {
		<-sctx.Done()
		_ = s.End()
	}()
	log.Printf("session started user=%s site=%s", cfg.Identity.UserKey, cfg.Site.ID)
	return s, nil
}

func (o *Orchestrator) score() ScoreFunc {
	if o.Score != nil {
		return o.Score
	}
	return scoring.Confidence
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

// Session is one verification screen lifetime: a single site, a single
// identity, at most one attempt in flight.
type Session struct {
	o       *Orchestrator
	cfg     SessionConfig
	ctx     context.Context
	cancel  context.CancelFunc
	camera  Camera
	tracker *geofence.Tracker
	wg      sync.WaitGroup
	endOnce sync.Once
	endErr  error

	mu      sync.Mutex
	state   State
	ended   bool
	subs    map[int]chan Transition
	nextSub int
}

// Snapshot is an inspectable copy of the session state.
type Snapshot struct {
	State    State          `json:"state"`
	Site     geofence.Site  `json:"site"`
	Identity model.Identity `json:"identity"`
	Geofence geofence.State `json:"geofence"`
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	st := s.state
	s.mu.Unlock()
	return Snapshot{State: st, Site: s.cfg.Site, Identity: s.cfg.Identity, Geofence: s.tracker.State()}
}

// Subscribe streams every later transition. The channel is closed when the
// session ends or cancel is called. Slow readers miss transitions.
func (s *Session) Subscribe() (<-chan Transition, func()) {
	ch := make(chan Transition, 32)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		close(ch)
		return ch, func() {}
	}
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if c, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(c)
		}
	}
}

// Done is closed once the session has been asked to end.
func (s *Session) Done() <-chan struct{} { return s.ctx.Done() }

// End releases the camera and location subscription. It is safe to call
// more than once and while an attempt is running.
func (s *Session) End() error {
	s.endOnce.Do(func() {
		s.mu.Lock()
		s.setLocked(Idle, "")
		s.ended = true
		for id, ch := range s.subs {
			delete(s.subs, id)
			close(ch)
		}
		s.mu.Unlock()

		s.cancel()
		s.wg.Wait()
		s.endErr = s.camera.Close()
		log.Printf("session ended user=%s site=%s", s.cfg.Identity.UserKey, s.cfg.Site.ID)
	})
	return s.endErr
}

func (s *Session) watch(fixes <-chan geofence.Fix) {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case fix, ok := <-fixes:
			if !ok {
				return
			}
			s.onFix(fix)
		}
	}
}

// onFix only updates the geofence while an attempt is running.
func (s *Session) onFix(fix geofence.Fix) {
	geo, changed := s.tracker.Update(fix)
	if changed {
		metrics.GeofenceToggles.Inc()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended || s.state.Busy() {
		return
	}
	if next := geoState(geo); next != s.state {
		s.setLocked(next, "")
	}
}

func geoState(g geofence.State) State {
	if g.InRange {
		return InRange
	}
	return OutOfRange
}

func (s *Session) set(to State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ended {
		s.setLocked(to, "")
	}
}

func (s *Session) setLocked(to State, reason Reason) {
	from := s.state
	if !CanTransition(from, to) {
		log.Printf("illegal transition %s -> %s ignored", from, to)
		return
	}
	s.state = to
	t := Transition{From: from, To: to, Reason: reason, At: s.o.now()}
	for _, ch := range s.subs {
		select {
		case ch <- t:
		default:
		}
	}
}

// Attempt runs one check-in or check-out. Geofence and location problems are
// reported in the Result without changing state; an error is returned only
// when the session cannot accept an attempt at all.
func (s *Session) Attempt(ctx context.Context, typ model.Type) (Result, error) {
	if !typ.Valid() {
		return Result{}, fmt.Errorf("invalid attendance type %q", typ)
	}
	s.mu.Lock()
	switch {
	case s.ended:
		s.mu.Unlock()
		return Result{}, ErrSessionEnded
	case s.state.Busy():
		s.mu.Unlock()
		return Result{}, ErrAttemptInFlight
	case s.state != InRange:
		current := s.state
		s.mu.Unlock()
		reason := GeofenceViolation
		if geo := s.tracker.State(); !geo.Available {
			reason = LocationUnavailable
		}
		log.Printf("attempt blocked user=%s state=%s reason=%s", s.cfg.Identity.UserKey, current, reason)
		return rejected(current, reason), nil
	}
	s.setLocked(Capturing, "")
	s.mu.Unlock()

	actx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	res := s.run(actx, typ)
	s.finish(res)
	return res, nil
}

type stepError struct {
	reason Reason
	err    error
}

func (e *stepError) Error() string { return fmt.Sprintf("%s: %v", e.reason, e.err) }
func (e *stepError) Unwrap() error { return e.err }

func (s *Session) run(ctx context.Context, typ model.Type) Result {
	user := s.cfg.Identity.UserKey

	var frame, refImage []byte
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		img, err := s.camera.Capture(gctx)
		if err == nil && len(img) == 0 {
			err = ErrEmptyFrame
		}
		if err != nil {
			return &stepError{reason: CaptureFailed, err: err}
		}
		frame = img
		return nil
	})
	g.Go(func() error {
		img, err := s.o.References.Fetch(gctx, user)
		if err != nil {
			return &stepError{reason: ReferenceImageMissing, err: err}
		}
		refImage = img
		return nil
	})
	if err := g.Wait(); err != nil {
		var se *stepError
		if errors.As(err, &se) {
			log.Printf("attempt failed user=%s reason=%s: %v", user, se.reason, se.err)
			return rejected(Failed, se.reason)
		}
		log.Printf("attempt failed user=%s: %v", user, err)
		return rejected(Failed, CaptureFailed)
	}

	s.set(Extracting)
	present, err := s.o.Faces.Present(ctx, frame)
	if err != nil {
		log.Printf("presence check failed user=%s: %v", user, err)
		return rejected(Failed, ExtractionFailed)
	}
	if !present {
		return rejected(Rejected, NoFaceDetected)
	}

	refDesc, err := s.o.Faces.Extract(ctx, refImage)
	if err != nil {
		log.Printf("reference extraction failed user=%s: %v", user, err)
		return rejected(Failed, ExtractionFailed)
	}
	capDesc, err := s.o.Faces.Extract(ctx, frame)
	if errors.Is(err, face.ErrNoFace) {
		return rejected(Rejected, NoFaceDetected)
	}
	if err != nil {
		log.Printf("capture extraction failed user=%s: %v", user, err)
		return rejected(Failed, ExtractionFailed)
	}

	// An attempt abandoned before VERIFIED must not be recorded.
	if err := ctx.Err(); err != nil {
		log.Printf("attempt abandoned user=%s: %v", user, err)
		return rejected(Failed, ExtractionFailed)
	}
	s.set(Scoring)
	attempt := newAttempt(s.o.score(), refDesc, capDesc, s.o.now())
	metrics.Confidence.Observe(attempt.Confidence())
	log.Printf("face match user=%s confidence=%.3f band=%s", user, attempt.Confidence(), scoring.Classify(attempt.Confidence()))
	if !attempt.Verified() {
		res := rejected(Rejected, ConfidenceTooLow)
		res.Confidence = attempt.Confidence()
		return res
	}
	if err := ctx.Err(); err != nil {
		log.Printf("attempt abandoned user=%s: %v", user, err)
		return rejected(Failed, ExtractionFailed)
	}

	s.set(Verified)
	s.set(Recording)
	// Recording outlives the session once the face is verified.
	evt, err := s.o.Recorder.Record(context.WithoutCancel(ctx), model.Submission{
		Identity:   s.cfg.Identity,
		Type:       typ,
		Confidence: attempt.Confidence(),
		SiteID:     s.cfg.Site.ID,
		At:         attempt.Timestamp(),
	})
	if err != nil {
		log.Printf("record failed user=%s: %v", user, err)
		res := rejected(Failed, FallbackWriteFailed)
		res.Confidence = attempt.Confidence()
		return res
	}

	res := Result{
		State:      Complete,
		Message:    typ.Label() + " successful",
		Confidence: attempt.Confidence(),
		Event:      &evt,
	}
	if evt.Source == model.SourceFallback {
		res.Degraded = RemoteSubmitFailed
	}
	return res
}

// finish publishes the terminal state and returns the machine to the state
// implied by the latest fix.
func (s *Session) finish(res Result) {
	metrics.Attempts.WithLabelValues(string(res.State), string(res.Reason)).Inc()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.setLocked(res.State, res.Reason)
	s.setLocked(geoState(s.tracker.State()), "")
}
