package attendance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"geoattend/internal/cloudinary"
	"geoattend/internal/geofence"
	"geoattend/internal/model"
	"geoattend/internal/reference"
)

var (
	ErrUserNotFound = errors.New("user not found")
	ErrSiteNotFound = errors.New("site not found")
	ErrInvalid      = errors.New("invalid request")
	ErrNoStorage    = errors.New("image storage not configured")
)

// Store is the persistence used by Service; *Repository implements it.
type Store interface {
	UpsertDevice(ctx context.Context, deviceID string) error
	GetEmployee(ctx context.Context, userKey string) (*Employee, error)
	UpsertEmployee(ctx context.Context, userKey string, name *string) error
	SetEmployeeFaceEnrolled(ctx context.Context, userKey string, enrolled bool) error
	GetSite(ctx context.Context, id string) (*geofence.Site, error)
	InsertEvent(ctx context.Context, employeeID, deviceID string, evt model.AttendanceEvent) (model.AttendanceEvent, error)
	History(ctx context.Context, userKey, start, end string, limit int) ([]model.AttendanceEvent, error)
}

// ReferenceUploader stores enrolled reference images; *cloudinary.Client implements it.
type ReferenceUploader interface {
	UploadReference(ctx context.Context, objectPath string, data []byte) (*cloudinary.UploadResult, error)
}

// Service validates and records attendance submissions. Repeated
// submissions are all recorded.
type Service struct {
	store  Store
	images ReferenceUploader
	now    func() time.Time
}

// NewService creates a service. images may be nil when enrollment is disabled.
func NewService(store Store, images ReferenceUploader) *Service {
	return &Service{store: store, images: images, now: time.Now}
}

// RegisterDevice validates and persists device metadata.
func (s *Service) RegisterDevice(ctx context.Context, deviceID string) error {
	if deviceID == "" {
		return errors.New("device id required")
	}
	return s.store.UpsertDevice(ctx, deviceID)
}

// SubmitInput is one attendance submission.
type SubmitInput struct {
	UserKey    string
	DeviceID   string
	Type       string
	Confidence float64
	SiteID     string
}

// Submit records an attendance event stamped with the server clock.
func (s *Service) Submit(ctx context.Context, in SubmitInput) (model.AttendanceEvent, error) {
	typ, err := model.ParseType(in.Type)
	if err != nil {
		return model.AttendanceEvent{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if in.Confidence < 0 || in.Confidence > 1 {
		return model.AttendanceEvent{}, fmt.Errorf("%w: confidence must be within [0,1]", ErrInvalid)
	}
	emp, err := s.employee(ctx, in.UserKey)
	if err != nil {
		return model.AttendanceEvent{}, err
	}

	now := s.now()
	date, clock := model.Stamp(now)
	evt := model.AttendanceEvent{
		UserID:     emp.ID,
		UserKey:    emp.UserKey,
		Type:       typ,
		Confidence: in.Confidence,
		SiteID:     in.SiteID,
		Date:       date,
		Time:       clock,
		Status:     model.StatusPresent,
		Source:     model.SourcePrimary,
		RecordedAt: now.UTC(),
	}
	if emp.Name != nil {
		evt.UserName = *emp.Name
	}
	return s.store.InsertEvent(ctx, emp.ID, in.DeviceID, evt)
}

// History lists events for a user between optional YYYY-MM-DD dates.
func (s *Service) History(ctx context.Context, userKey, start, end string) ([]model.AttendanceEvent, error) {
	for _, d := range []string{start, end} {
		if d == "" {
			continue
		}
		if _, err := time.Parse(model.DateLayout, d); err != nil {
			return nil, fmt.Errorf("%w: bad date %q", ErrInvalid, d)
		}
	}
	if start != "" && end != "" && start > end {
		return nil, fmt.Errorf("%w: start_date after end_date", ErrInvalid)
	}
	if _, err := s.employee(ctx, userKey); err != nil {
		return nil, err
	}
	return s.store.History(ctx, userKey, start, end, 0)
}

// Site returns geofence parameters.
func (s *Service) Site(ctx context.Context, id string) (geofence.Site, error) {
	site, err := s.store.GetSite(ctx, id)
	if err != nil {
		return geofence.Site{}, err
	}
	if site == nil {
		return geofence.Site{}, ErrSiteNotFound
	}
	site.RadiusMeters = site.Radius()
	return *site, nil
}

// EnrollReference stores the reference image of a user, creating the
// employee when needed.
func (s *Service) EnrollReference(ctx context.Context, userKey string, name *string, data []byte) (*cloudinary.UploadResult, error) {
	if s.images == nil {
		return nil, ErrNoStorage
	}
	if userKey == "" {
		return nil, fmt.Errorf("%w: user key required", ErrInvalid)
	}
	if int64(len(data)) > reference.MaxBytes {
		return nil, reference.ErrTooLarge
	}
	if err := reference.Validate(data); err != nil {
		return nil, err
	}
	if err := s.store.UpsertEmployee(ctx, userKey, name); err != nil {
		return nil, err
	}
	res, err := s.images.UploadReference(ctx, reference.Path(userKey), data)
	if err != nil {
		return nil, err
	}
	if err := s.store.SetEmployeeFaceEnrolled(ctx, userKey, true); err != nil {
		return nil, err
	}
	return res, nil
}

func (s *Service) employee(ctx context.Context, userKey string) (*Employee, error) {
	if userKey == "" {
		return nil, fmt.Errorf("%w: user key required", ErrInvalid)
	}
	emp, err := s.store.GetEmployee(ctx, userKey)
	if err != nil {
		return nil, err
	}
	if emp == nil {
		return nil, ErrUserNotFound
	}
	return emp, nil
}
