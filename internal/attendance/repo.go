package attendance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"geoattend/internal/geofence"
	"geoattend/internal/model"
)

// Repository persists attendance data in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const schema = `
CREATE TABLE IF NOT EXISTS employees (
	id            TEXT PRIMARY KEY,
	user_key      TEXT UNIQUE NOT NULL,
	name          TEXT,
	face_enrolled BOOLEAN NOT NULL DEFAULT FALSE,
	enrolled_at   TIMESTAMPTZ,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS sites (
	id            TEXT PRIMARY KEY,
	name          TEXT NOT NULL DEFAULT '',
	latitude      DOUBLE PRECISION NOT NULL,
	longitude     DOUBLE PRECISION NOT NULL,
	radius_meters DOUBLE PRECISION NOT NULL DEFAULT 100
);

CREATE TABLE IF NOT EXISTS devices (
	device_id  TEXT PRIMARY KEY,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS refresh_tokens (
	device_id  TEXT NOT NULL REFERENCES devices(device_id),
	token      TEXT PRIMARY KEY,
	expires_at TIMESTAMPTZ NOT NULL,
	revoked    BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE TABLE IF NOT EXISTS attendance_events (
	id          TEXT PRIMARY KEY,
	employee_id TEXT NOT NULL REFERENCES employees(id),
	user_key    TEXT NOT NULL,
	device_id   TEXT NOT NULL DEFAULT '',
	type        TEXT NOT NULL,
	confidence  DOUBLE PRECISION NOT NULL,
	site_id     TEXT NOT NULL DEFAULT '',
	event_date  DATE NOT NULL,
	event_time  TEXT NOT NULL,
	status      TEXT NOT NULL,
	occurred_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_user_date ON attendance_events(user_key, event_date);
`

// Migrate creates the schema when missing.
func (r *Repository) Migrate(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, schema)
	return err
}

// UpsertDevice ensures a device record exists.
func (r *Repository) UpsertDevice(ctx context.Context, deviceID string) error {
	if deviceID == "" {
		return errors.New("device id required")
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO devices (device_id)
		VALUES ($1)
		ON CONFLICT (device_id) DO NOTHING
	`, deviceID)
	return err
}

// SaveRefreshToken stores a refresh token for rotation checks.
func (r *Repository) SaveRefreshToken(ctx context.Context, deviceID, token string, expiresAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO refresh_tokens (device_id, token, expires_at)
		VALUES ($1, $2, $3)
	`, deviceID, token, expiresAt)
	return err
}

// ConsumeRefreshToken revokes token and reports whether it was still usable.
func (r *Repository) ConsumeRefreshToken(ctx context.Context, token string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE refresh_tokens SET revoked = TRUE
		WHERE token = $1 AND NOT revoked AND expires_at > NOW()
	`, token)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// Employee represents a worker that can mark attendance.
type Employee struct {
	ID           string     `json:"id"`
	UserKey      string     `json:"user_key"`
	Name         *string    `json:"name,omitempty"`
	FaceEnrolled bool       `json:"face_enrolled"`
	EnrolledAt   *time.Time `json:"enrolled_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// GetEmployee returns nil when userKey is unknown.
func (r *Repository) GetEmployee(ctx context.Context, userKey string) (*Employee, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, user_key, name, face_enrolled, enrolled_at, created_at
		FROM employees WHERE user_key = $1
	`, userKey)
	var e Employee
	if err := row.Scan(&e.ID, &e.UserKey, &e.Name, &e.FaceEnrolled, &e.EnrolledAt, &e.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &e, nil
}

// UpsertEmployee creates or updates an employee.
func (r *Repository) UpsertEmployee(ctx context.Context, userKey string, name *string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO employees (id, user_key, name)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_key) DO UPDATE SET
			name = COALESCE(EXCLUDED.name, employees.name),
			updated_at = NOW()
	`, uuid.NewString(), userKey, name)
	return err
}

// SetEmployeeFaceEnrolled marks an employee as face-enrolled.
func (r *Repository) SetEmployeeFaceEnrolled(ctx context.Context, userKey string, enrolled bool) error {
	var enrolledAt interface{}
	if enrolled {
		enrolledAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `
		UPDATE employees
		SET face_enrolled = $2, enrolled_at = $3, updated_at = NOW()
		WHERE user_key = $1
	`, userKey, enrolled, enrolledAt)
	return err
}

// GetSite returns nil when the site is unknown.
func (r *Repository) GetSite(ctx context.Context, id string) (*geofence.Site, error) {
	s := geofence.Site{ID: id}
	err := r.db.QueryRowContext(ctx, `
		SELECT name, latitude, longitude, radius_meters FROM sites WHERE id = $1
	`, id).Scan(&s.Name, &s.Latitude, &s.Longitude, &s.RadiusMeters)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// UpsertSite stores site parameters.
func (r *Repository) UpsertSite(ctx context.Context, s geofence.Site) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sites (id, name, latitude, longitude, radius_meters)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, latitude = EXCLUDED.latitude,
			longitude = EXCLUDED.longitude, radius_meters = EXCLUDED.radius_meters
	`, s.ID, s.Name, s.Latitude, s.Longitude, s.Radius())
	return err
}

// InsertEvent writes a new event and assigns its id.
func (r *Repository) InsertEvent(ctx context.Context, employeeID, deviceID string, evt model.AttendanceEvent) (model.AttendanceEvent, error) {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO attendance_events
			(id, employee_id, user_key, device_id, type, confidence, site_id, event_date, event_time, status, occurred_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8::date,$9,$10,$11)
	`, evt.ID, employeeID, evt.UserKey, deviceID, string(evt.Type), evt.Confidence, evt.SiteID,
		evt.Date, evt.Time, evt.Status, evt.RecordedAt)
	if err != nil {
		return model.AttendanceEvent{}, err
	}
	return evt, nil
}

// History returns a user's events between optional inclusive dates, newest first.
func (r *Repository) History(ctx context.Context, userKey, start, end string, limit int) ([]model.AttendanceEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"e.user_key = $1"}
	args := []any{userKey}
	if start != "" {
		args = append(args, start)
		clauses = append(clauses, fmt.Sprintf("e.event_date >= $%d::date", len(args)))
	}
	if end != "" {
		args = append(args, end)
		clauses = append(clauses, fmt.Sprintf("e.event_date <= $%d::date", len(args)))
	}
	args = append(args, limit)
	query := `
		SELECT e.id, e.employee_id, e.user_key, COALESCE(emp.name, ''), e.type, e.confidence, e.site_id,
			to_char(e.event_date, 'YYYY-MM-DD'), e.event_time, e.status, e.occurred_at
		FROM attendance_events e JOIN employees emp ON emp.id = e.employee_id
		WHERE ` + strings.Join(clauses, " AND ") + fmt.Sprintf(`
		ORDER BY e.occurred_at DESC LIMIT $%d`, len(args))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []model.AttendanceEvent
	for rows.Next() {
		var evt model.AttendanceEvent
		var typ string
		if err := rows.Scan(&evt.ID, &evt.UserID, &evt.UserKey, &evt.UserName, &typ, &evt.Confidence, &evt.SiteID,
			&evt.Date, &evt.Time, &evt.Status, &evt.RecordedAt); err != nil {
			return nil, err
		}
		evt.Type = model.Type(typ)
		evt.Source = model.SourcePrimary
		res = append(res, evt)
	}
	return res, rows.Err()
}
