package journal

import (
	"context"
	"fmt"

	"github.com/roach88/statekit/internal/canon"
	"github.com/roach88/statekit/internal/engine"
)

var _ engine.Recorder = (*Journal)(nil)

// RecordDispatch inserts a dispatch row.
// Uses ON CONFLICT(id) DO NOTHING, so re-recording a dispatch is a no-op.
// Fields and services are stored as canonical JSON.
func (j *Journal) RecordDispatch(ctx context.Context, rec engine.DispatchRecord) error {
	fields := rec.Fields
	if fields == nil {
		fields = map[string]any{}
	}
	fieldsJSON, err := canon.Marshal(fields)
	if err != nil {
		return fmt.Errorf("record dispatch: fields: %w", err)
	}

	services := rec.Services
	if services == nil {
		services = []engine.ServiceID{}
	}
	servicesJSON, err := canon.Marshal(services)
	if err != nil {
		return fmt.Errorf("record dispatch: services: %w", err)
	}

	_, err = j.db.ExecContext(ctx, `
		INSERT INTO dispatches
		(id, seq, flow_token, parent_id, kind, fields, depth, cause, services)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		rec.ID,
		rec.Seq,
		rec.FlowToken,
		rec.ParentID,
		string(rec.Kind),
		string(fieldsJSON),
		rec.Depth,
		string(rec.Cause),
		string(servicesJSON),
	)
	if err != nil {
		return fmt.Errorf("record dispatch: %w", err)
	}
	return nil
}

// RecordEffect inserts an effect outcome row.
// The dispatch referenced by DispatchID must exist (foreign key constraint).
// Recording the same (dispatch, index) twice is a no-op.
func (j *Journal) RecordEffect(ctx context.Context, rec engine.EffectRecord) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO effects
		(dispatch_id, idx, seq, flow_token, service, kind, outcome, error, corrective)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(dispatch_id, idx) DO NOTHING
	`,
		rec.DispatchID,
		rec.Index,
		rec.Seq,
		rec.FlowToken,
		string(rec.Service),
		string(rec.Kind),
		string(rec.Outcome),
		rec.Error,
		string(rec.Corrective),
	)
	if err != nil {
		return fmt.Errorf("record effect: %w", err)
	}
	return nil
}
