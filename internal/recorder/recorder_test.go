package recorder

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"geoattend/internal/model"
	"geoattend/internal/queue"
	"geoattend/internal/store"
)

type stubRemote struct {
	receipt model.Receipt
	err     error
	calls   int
}

func (r *stubRemote) Submit(ctx context.Context, sub model.Submission) (model.Receipt, error) {
	r.calls++
	return r.receipt, r.err
}

type memDocs struct {
	mu       sync.Mutex
	docs     map[string]model.AttendanceEvent
	setErr   error
	txErr    error
	setCalls int
	txCalls  int
	wrote    chan string
}

func newMemDocs() *memDocs {
	return &memDocs{docs: map[string]model.AttendanceEvent{}, wrote: make(chan string, 4)}
}

func (m *memDocs) Set(ctx context.Context, id string, evt model.AttendanceEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setCalls++
	if m.setErr != nil {
		return m.setErr
	}
	m.docs[id] = evt
	m.wrote <- id
	return nil
}

func (m *memDocs) SetTx(ctx context.Context, id string, evt model.AttendanceEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txCalls++
	if m.txErr != nil {
		return m.txErr
	}
	m.docs[id] = evt
	m.wrote <- id
	return nil
}

func (m *memDocs) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs, id)
	return nil
}

func (m *memDocs) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.docs)
}

type memProfiles struct {
	mu     sync.Mutex
	fields map[string]map[string]string
}

func (p *memProfiles) Merge(ctx context.Context, deviceID string, fields map[string]string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fields == nil {
		p.fields = map[string]map[string]string{}
	}
	if p.fields[deviceID] == nil {
		p.fields[deviceID] = map[string]string{}
	}
	for k, v := range fields {
		p.fields[deviceID][k] = v
	}
	return nil
}

var verifiedAt = time.Date(2024, 5, 2, 4, 30, 0, 0, time.UTC)

func submission() model.Submission {
	return model.Submission{
		Identity:   model.Identity{DeviceID: "dev-1", UserKey: "EMP001", UserName: "Asha"},
		Type:       model.CheckIn,
		Confidence: 0.75,
		SiteID:     "site-1",
		At:         verifiedAt,
	}
}

func closeRecorder(t *testing.T, r *Recorder) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestDocumentID(t *testing.T) {
	if got := DocumentID("EMP001", verifiedAt); got != "EMP001_1714624200000" {
		t.Errorf("DocumentID = %s", got)
	}
}

func TestPrimarySuccessHedges(t *testing.T) {
	remote := &stubRemote{receipt: model.Receipt{EventID: "42", Date: "2024-05-02", Time: "10:00:01"}}
	docs := newMemDocs()
	profiles := &memProfiles{}
	r := New(remote, docs, profiles, nil)

	evt, err := r.Record(context.Background(), submission())
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if evt.ID != "42" || evt.Source != model.SourcePrimary || evt.Time != "10:00:01" || evt.Status != model.StatusPresent {
		t.Fatalf("unexpected event %+v", evt)
	}
	closeRecorder(t, r)

	hedged, ok := docs.docs["EMP001_1714624200000"]
	if !ok || hedged.ID != "42" {
		t.Fatalf("hedge copy missing: %+v", docs.docs)
	}
	if docs.setCalls != 1 || docs.txCalls != 0 {
		t.Errorf("hedge must be a single attempt, set=%d tx=%d", docs.setCalls, docs.txCalls)
	}
	if profiles.fields["dev-1"]["user_key"] != "EMP001" {
		t.Errorf("profile not updated: %+v", profiles.fields)
	}
}

func TestHedgeFailureIsSwallowed(t *testing.T) {
	remote := &stubRemote{receipt: model.Receipt{EventID: "42"}}
	docs := newMemDocs()
	docs.setErr = errors.New("secondary down")
	r := New(remote, docs, nil, nil)

	evt, err := r.Record(context.Background(), submission())
	if err != nil || evt.ID != "42" {
		t.Fatalf("primary success must not depend on hedge: %+v %v", evt, err)
	}
	closeRecorder(t, r)
	if docs.txCalls != 0 {
		t.Error("hedge failures are not retried")
	}
	if evt.Date != "2024-05-02" || evt.Time != "10:00:00" {
		t.Errorf("local stamp expected when receipt has none: %s %s", evt.Date, evt.Time)
	}
}

func TestRemoteFailureFallsBack(t *testing.T) {
	cases := []struct {
		name   string
		remote *stubRemote
		txOnly bool
	}{
		{name: "submit error", remote: &stubRemote{err: errors.New("connection refused")}},
		{name: "missing event id", remote: &stubRemote{receipt: model.Receipt{Message: "ok"}}},
		{name: "set fails then tx", remote: &stubRemote{err: errors.New("timeout")}, txOnly: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			docs := newMemDocs()
			if tc.txOnly {
				docs.setErr = errors.New("write conflict")
			}
			r := New(tc.remote, docs, &memProfiles{}, nil)
			evt, err := r.Record(context.Background(), submission())
			if err != nil {
				t.Fatalf("record: %v", err)
			}
			closeRecorder(t, r)
			if evt.ID != "EMP001_1714624200000" || evt.Source != model.SourceFallback {
				t.Fatalf("unexpected event %+v", evt)
			}
			if _, ok := docs.docs[evt.ID]; !ok || docs.len() != 1 {
				t.Fatalf("fallback document missing: %+v", docs.docs)
			}
			wantTx := 0
			if tc.txOnly {
				wantTx = 1
			}
			if docs.txCalls != wantTx {
				t.Errorf("tx calls = %d, want %d", docs.txCalls, wantTx)
			}
		})
	}
}

func TestFallbackWriteFailed(t *testing.T) {
	remote := &stubRemote{err: errors.New("connection refused")}
	docs := newMemDocs()
	docs.setErr = errors.New("unavailable")
	docs.txErr = errors.New("unavailable")
	profiles := &memProfiles{}
	r := New(remote, docs, profiles, nil)

	_, err := r.Record(context.Background(), submission())
	if !errors.Is(err, ErrFallbackWriteFailed) {
		t.Fatalf("err = %v", err)
	}
	closeRecorder(t, r)
	if remote.calls != 1 || docs.setCalls != 1 || docs.txCalls != 1 {
		t.Errorf("calls remote=%d set=%d tx=%d", remote.calls, docs.setCalls, docs.txCalls)
	}
	if docs.len() != 0 {
		t.Error("no event may exist after a failed fallback")
	}
	if len(profiles.fields) != 0 {
		t.Error("profile must not be updated on failure")
	}
}

func TestFallbackIntoRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	docs := store.NewDocuments(client)
	profiles := store.NewProfiles(client)

	r := New(&stubRemote{err: errors.New("no route to host")}, docs, profiles, nil)
	evt, err := r.Record(context.Background(), submission())
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	closeRecorder(t, r)

	stored, err := docs.Get(context.Background(), evt.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Source != model.SourceFallback || stored.UserKey != "EMP001" || stored.Confidence != 0.75 {
		t.Errorf("unexpected stored event %+v", stored)
	}
	id, err := profiles.Identity(context.Background(), "dev-1")
	if err != nil || id.UserKey != "EMP001" {
		t.Errorf("profile: %+v %v", id, err)
	}
}

func TestFallbackPartialWriteRemoved(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	docs := store.NewDocuments(client)
	ctx := context.Background()

	// The event hash can be written but the user index cannot.
	if err := client.Set(ctx, "attendance:user:EMP001", "corrupt", 0).Err(); err != nil {
		t.Fatal(err)
	}
	r := New(&stubRemote{err: errors.New("no route to host")}, docs, nil, nil)
	_, err := r.Record(ctx, submission())
	if !errors.Is(err, ErrFallbackWriteFailed) {
		t.Fatalf("err = %v", err)
	}
	closeRecorder(t, r)

	id := DocumentID("EMP001", verifiedAt)
	if _, err := docs.Get(ctx, id); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("event left in secondary store: %v", err)
	}
}

func TestQueueHedger(t *testing.T) {
	q := queue.NewInMemory(1)
	r := New(&stubRemote{receipt: model.Receipt{EventID: "42"}}, newMemDocs(), nil, QueueHedger{Queue: q})
	if _, err := r.Record(context.Background(), submission()); err != nil {
		t.Fatalf("record: %v", err)
	}
	closeRecorder(t, r)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	msgs, _ := q.Consume(ctx)
	msg := <-msgs
	if msg.Type != HedgeMessageType {
		t.Fatalf("type = %s", msg.Type)
	}
	var job HedgeJob
	if err := json.Unmarshal(msg.Body, &job); err != nil || job.DocID != "EMP001_1714624200000" || job.Event.ID != "42" {
		t.Fatalf("job = %+v %v", job, err)
	}

	docs := newMemDocs()
	if _, err := ApplyHedge(ctx, docs, msg); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if docs.docs[job.DocID].ID != "42" {
		t.Error("hedge job not applied")
	}
	if _, err := ApplyHedge(ctx, docs, queue.Message{Type: "other"}); err == nil {
		t.Error("expected error for foreign message")
	}
}
