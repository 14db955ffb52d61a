// Package audit records device trust transitions. Writes are best-effort:
// a failing sink is logged and counted, never returned to the caller.
package audit

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Bala333sr/IntelliAttend-sub000/internal/metrics"
	"github.com/Bala333sr/IntelliAttend-sub000/internal/model"
)

const writeTimeout = 2 * time.Second

type Sink interface {
	AppendActivity(ctx context.Context, entry model.ActivityLogEntry) error
}

type Recorder struct {
	sink    Sink
	log     *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewRecorder(sink Sink, log *zap.Logger, m *metrics.Metrics) *Recorder {
	if log == nil {
		log = zap.NewNop()
	}
	return &Recorder{sink: sink, log: log, metrics: m, now: func() time.Time { return time.Now().UTC() }}
}

// WithClock returns a copy stamping entries with now.
func (r *Recorder) WithClock(now func() time.Time) *Recorder {
	clone := *r
	clone.now = now
	return &clone
}

func (r *Recorder) Record(ctx context.Context, studentID, deviceID string, kind model.ActivityType, details map[string]any) {
	if r == nil {
		return
	}
	r.write(ctx, model.ActivityLogEntry{
		StudentID: studentID,
		DeviceID:  deviceID,
		Type:      kind,
		Context:   details,
		CreatedAt: r.now(),
	})
}

func (r *Recorder) write(ctx context.Context, entry model.ActivityLogEntry) {
	if r == nil || r.sink == nil {
		return
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = r.now()
	}
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()

	defer func() {
		if rec := recover(); rec != nil {
			r.fail(entry, zap.Any("panic", rec))
		}
	}()
	if err := r.sink.AppendActivity(writeCtx, entry); err != nil {
		r.fail(entry, zap.Error(err))
	}
}

func (r *Recorder) fail(entry model.ActivityLogEntry, cause zap.Field) {
	r.metrics.AuditFailure()
	r.log.Warn("activity log write dropped",
		cause,
		zap.String("activity_type", string(entry.Type)),
		zap.String("student_id", entry.StudentID),
		zap.String("device_id", entry.DeviceID),
	)
}

// Trail buffers entries produced inside a student transaction. Entries
// added with Add describe state that only exists if the transaction commits;
// AddAlways entries (rejections, denials) are written either way.
type Trail struct {
	now     func() time.Time
	entries []trailEntry
}

type trailEntry struct {
	entry  model.ActivityLogEntry
	always bool
}

func (r *Recorder) NewTrail() *Trail {
	now := time.Now
	if r != nil {
		now = r.now
	}
	return &Trail{now: now}
}

func (t *Trail) Add(studentID, deviceID string, kind model.ActivityType, details map[string]any) {
	t.add(studentID, deviceID, kind, details, false)
}

func (t *Trail) AddAlways(studentID, deviceID string, kind model.ActivityType, details map[string]any) {
	t.add(studentID, deviceID, kind, details, true)
}

func (t *Trail) add(studentID, deviceID string, kind model.ActivityType, details map[string]any, always bool) {
	if t == nil {
		return
	}
	t.entries = append(t.entries, trailEntry{
		entry: model.ActivityLogEntry{
			StudentID: studentID,
			DeviceID:  deviceID,
			Type:      kind,
			Context:   details,
			CreatedAt: t.now(),
		},
		always: always,
	})
}

func (t *Trail) Len() int {
	if t == nil {
		return 0
	}
	return len(t.entries)
}

func (r *Recorder) Flush(ctx context.Context, trail *Trail, committed bool) {
	if trail == nil {
		return
	}
	for _, item := range trail.entries {
		if committed || item.always {
			r.write(ctx, item.entry)
		}
	}
	trail.entries = nil
}
