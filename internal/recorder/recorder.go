package recorder

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"geoattend/internal/metrics"
	"geoattend/internal/model"
)

var (
	// ErrFallbackWriteFailed means neither store holds the event.
	ErrFallbackWriteFailed = errors.New("could not record attendance")
	ErrNoEventID           = errors.New("remote response missing event id")
)

// Remote is the primary attendance store.
type Remote interface {
	Submit(ctx context.Context, sub model.Submission) (model.Receipt, error)
}

// DocumentStore is the secondary store. SetTx must be all-or-nothing.
// Delete clears what a failed Set may have left behind.
type DocumentStore interface {
	Set(ctx context.Context, id string, evt model.AttendanceEvent) error
	SetTx(ctx context.Context, id string, evt model.AttendanceEvent) error
	Delete(ctx context.Context, id string) error
}

// ProfileStore merges fields into the profile of a device.
type ProfileStore interface {
	Merge(ctx context.Context, deviceID string, fields map[string]string) error
}

// Hedger performs the redundant secondary write after a primary success.
type Hedger interface {
	Hedge(ctx context.Context, docID string, evt model.AttendanceEvent) error
}

// GoHedger writes the hedge copy in-process with a single attempt.
type GoHedger struct {
	Docs DocumentStore
}

func (h GoHedger) Hedge(ctx context.Context, docID string, evt model.AttendanceEvent) error {
	return h.Docs.Set(ctx, docID, evt)
}

// DocumentID is the secondary store key of an event.
func DocumentID(userKey string, at time.Time) string {
	return fmt.Sprintf("%s_%d", userKey, at.UnixMilli())
}

// Recorder commits verified attempts to the primary store with a secondary
// store hedge and fallback.
type Recorder struct {
	remote   Remote
	docs     DocumentStore
	profiles ProfileStore
	hedger   Hedger
	// DetachedTimeout bounds the hedge write and the profile update.
	DetachedTimeout time.Duration
	Now             func() time.Time

	wg sync.WaitGroup
}

// New builds a recorder. A nil hedger hedges in-process; a nil profile
// store skips profile updates.
func New(remote Remote, docs DocumentStore, profiles ProfileStore, hedger Hedger) *Recorder {
	if hedger == nil {
		hedger = GoHedger{Docs: docs}
	}
	return &Recorder{
		remote:          remote,
		docs:            docs,
		profiles:        profiles,
		hedger:          hedger,
		DetachedTimeout: 60 * time.Second,
		Now:             time.Now,
	}
}

// Record persists one attendance event. The returned event carries the id
// assigned by whichever store accepted it first.
func (r *Recorder) Record(ctx context.Context, sub model.Submission) (model.AttendanceEvent, error) {
	at := sub.At
	if at.IsZero() {
		at = r.Now()
	}
	date, clock := model.Stamp(at)
	evt := model.AttendanceEvent{
		UserID:     sub.Identity.UserID,
		UserKey:    sub.Identity.UserKey,
		UserName:   sub.Identity.UserName,
		Type:       sub.Type,
		Confidence: sub.Confidence,
		SiteID:     sub.SiteID,
		Date:       date,
		Time:       clock,
		Status:     model.StatusPresent,
		RecordedAt: at,
	}
	docID := DocumentID(sub.Identity.UserKey, at)

	receipt, err := r.remote.Submit(ctx, sub)
	if err == nil && receipt.EventID == "" {
		err = ErrNoEventID
	}
	if err == nil {
		evt.ID = receipt.EventID
		evt.Source = model.SourcePrimary
		if receipt.Date != "" && receipt.Time != "" {
			evt.Date, evt.Time = receipt.Date, receipt.Time
		}
		metrics.Recorder.WithLabelValues("primary").Inc()
		r.detach(ctx, func(dctx context.Context) {
			if err := r.hedger.Hedge(dctx, docID, evt); err != nil {
				metrics.HedgeFailures.Inc()
				log.Printf("hedge write %s failed: %v", docID, err)
			}
		})
		r.updateProfile(ctx, sub.Identity)
		return evt, nil
	}

	log.Printf("remote submit failed user=%s, writing fallback: %v", sub.Identity.UserKey, err)
	metrics.Recorder.WithLabelValues("remote_failed").Inc()
	evt.ID = docID
	evt.Source = model.SourceFallback
	if err := r.docs.Set(ctx, docID, evt); err != nil {
		log.Printf("fallback write %s failed, retrying in transaction: %v", docID, err)
		if err := r.docs.SetTx(ctx, docID, evt); err != nil {
			metrics.Recorder.WithLabelValues("failed").Inc()
			log.Printf("fallback transaction %s failed: %v", docID, err)
			// A partial pipeline write must not leave the event behind.
			if derr := r.docs.Delete(context.WithoutCancel(ctx), docID); derr != nil {
				log.Printf("cleanup %s failed: %v", docID, derr)
			}
			return model.AttendanceEvent{}, fmt.Errorf("%w: %v", ErrFallbackWriteFailed, err)
		}
		metrics.Recorder.WithLabelValues("fallback_tx").Inc()
	} else {
		metrics.Recorder.WithLabelValues("fallback").Inc()
	}
	r.updateProfile(ctx, sub.Identity)
	return evt, nil
}

func (r *Recorder) updateProfile(ctx context.Context, id model.Identity) {
	if r.profiles == nil || id.DeviceID == "" {
		return
	}
	r.detach(ctx, func(dctx context.Context) {
		fields := map[string]string{"user_key": id.UserKey}
		if id.UserName != "" {
			fields["user_name"] = id.UserName
		}
		if err := r.profiles.Merge(dctx, id.DeviceID, fields); err != nil {
			log.Printf("profile update %s failed: %v", id.DeviceID, err)
		}
	})
}

// detach runs fn outside the caller's cancellation, tracked for Close.
func (r *Recorder) detach(ctx context.Context, fn func(context.Context)) {
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.DetachedTimeout)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer cancel()
		fn(dctx)
	}()
}

// Close waits for detached writes to finish or ctx to expire.
func (r *Recorder) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
