package recorder

import (
	"context"
	"encoding/json"
	"fmt"

	"geoattend/internal/model"
	"geoattend/internal/queue"
)

// HedgeMessageType tags hedge jobs on the queue.
const HedgeMessageType = "hedge"

// HedgeJob is the queued form of a redundant secondary write.
type HedgeJob struct {
	DocID string                `json:"doc_id"`
	Event model.AttendanceEvent `json:"event"`
}

// QueueHedger hands hedge writes to an out-of-process worker.
type QueueHedger struct {
	Queue queue.Queue
}

func (h QueueHedger) Hedge(ctx context.Context, docID string, evt model.AttendanceEvent) error {
	body, err := json.Marshal(HedgeJob{DocID: docID, Event: evt})
	if err != nil {
		return err
	}
	return h.Queue.Publish(ctx, queue.Message{Type: HedgeMessageType, Body: body})
}

// ApplyHedge performs the single secondary write described by a queued job.
func ApplyHedge(ctx context.Context, docs DocumentStore, msg queue.Message) (HedgeJob, error) {
	var job HedgeJob
	if msg.Type != HedgeMessageType {
		return job, fmt.Errorf("unexpected message type %q", msg.Type)
	}
	if err := json.Unmarshal(msg.Body, &job); err != nil {
		return job, fmt.Errorf("decode hedge job: %w", err)
	}
	if job.DocID == "" {
		return job, fmt.Errorf("hedge job without document id")
	}
	return job, docs.Set(ctx, job.DocID, job.Event)
}
