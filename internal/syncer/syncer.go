// Package syncer executes sync jobs: it loads a submission, builds the
// external record payload, writes it to the tabular store and records the
// outcome on the submission row.
package syncer

import (
	"context"
	"time"

	"github.com/op/go-logging"

	"github.com/garyzheng0714-lang/web-fbif-form-sub000/internal/jobqueue"
	"github.com/garyzheng0714-lang/web-fbif-form-sub000/internal/store"
)

var log = logging.MustGetLogger("syncer")

// SubmissionSource is the slice of the store the syncer needs.
type SubmissionSource interface {
	FindByID(ctx context.Context, id string) (*store.Submission, error)
	MarkSuccess(ctx context.Context, id, recordID string) error
	MarkFailed(ctx context.Context, id, message string) error
}

// RecordCreator writes one record to the external table and returns its id.
type RecordCreator interface {
	CreateRecord(ctx context.Context, fields map[string]any) (string, error)
}

// PayloadBuilder turns a submission into the external field payload.
type PayloadBuilder interface {
	BuildFields(ctx context.Context, sub *store.Submission) (map[string]any, error)
}

type Syncer struct {
	source  SubmissionSource
	records RecordCreator
	builder PayloadBuilder
	events  *EventHub
}

func New(source SubmissionSource, records RecordCreator, builder PayloadBuilder, events *EventHub) *Syncer {
	if events == nil {
		events = NewEventHub()
	}
	return &Syncer{source: source, records: records, builder: builder, events: events}
}

func (s *Syncer) Events() *EventHub { return s.events }

// HandleJob runs one sync attempt. A missing submission is a successful
// no-op: the row was removed after the job was queued and there is nothing
// left to sync. Every failure is recorded on the submission before the error
// is handed back to the worker for scheduling.
func (s *Syncer) HandleJob(ctx context.Context, job jobqueue.Job) error {
	sub, err := s.source.FindByID(ctx, job.SubmissionID)
	if err != nil {
		log.Warningf("loading submission %s failed (trace %s): %v", job.SubmissionID, job.TraceID, err)
		return err
	}
	if sub == nil {
		log.Warningf("submission %s no longer exists, skipping (trace %s)", job.SubmissionID, job.TraceID)
		s.events.Publish(SyncEvent{
			SubmissionID: job.SubmissionID,
			TraceID:      job.TraceID,
			Outcome:      OutcomeSkipped,
			Attempt:      job.Attempt + 1,
		})
		return nil
	}

	fields, err := s.builder.BuildFields(ctx, sub)
	if err != nil {
		return s.fail(ctx, job, sub, err)
	}

	recordID, err := s.records.CreateRecord(ctx, fields)
	if err != nil {
		return s.fail(ctx, job, sub, err)
	}

	if err := s.source.MarkSuccess(ctx, sub.ID, recordID); err != nil {
		log.Errorf("marking submission %s synced failed (trace %s): %v", sub.ID, job.TraceID, err)
		return err
	}
	log.Infof("submission %s synced to record %s (trace %s, attempt %d)",
		sub.ID, recordID, job.TraceID, job.Attempt+1)
	s.events.Publish(SyncEvent{
		SubmissionID: sub.ID,
		TraceID:      job.TraceID,
		Outcome:      OutcomeSynced,
		RecordID:     recordID,
		Attempt:      job.Attempt + 1,
	})
	return nil
}

func (s *Syncer) fail(ctx context.Context, job jobqueue.Job, sub *store.Submission, cause error) error {
	message := store.TruncateError(cause.Error())
	if merr := s.source.MarkFailed(ctx, sub.ID, message); merr != nil {
		log.Errorf("marking submission %s failed errored (trace %s): %v", sub.ID, job.TraceID, merr)
	}
	s.events.Publish(SyncEvent{
		SubmissionID: sub.ID,
		TraceID:      job.TraceID,
		Outcome:      OutcomeFailed,
		Error:        message,
		Attempt:      job.Attempt + 1,
		At:           time.Now().UTC(),
	})
	return cause
}
