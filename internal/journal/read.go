package journal

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/roach88/statekit/internal/engine"
)

// Flow is the recorded trace of one flow.
type Flow struct {
	FlowToken  string                  `json:"flow_token"`
	Dispatches []engine.DispatchRecord `json:"dispatches"`
	Effects    []engine.EffectRecord   `json:"effects"`
}

// FlowSummary describes one flow for listings.
type FlowSummary struct {
	FlowToken  string      `json:"flow_token"`
	RootKind   engine.Kind `json:"root_kind"`
	Dispatches int         `json:"dispatches"`
	Failures   int         `json:"failures"`
	FirstSeq   int64       `json:"first_seq"`
	LastSeq    int64       `json:"last_seq"`
}

// ReadFlow returns every dispatch and effect recorded for a flow token.
// Results are ordered by seq ASC, id COLLATE BINARY ASC.
//
// Returns empty slices (not nil) if nothing was recorded for the flow.
func (j *Journal) ReadFlow(ctx context.Context, flowToken string) (Flow, error) {
	dispatches, err := j.readDispatches(ctx, flowToken)
	if err != nil {
		return Flow{}, err
	}
	effects, err := j.readEffects(ctx, flowToken)
	if err != nil {
		return Flow{}, err
	}
	return Flow{FlowToken: flowToken, Dispatches: dispatches, Effects: effects}, nil
}

func (j *Journal) readDispatches(ctx context.Context, flowToken string) ([]engine.DispatchRecord, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, seq, flow_token, parent_id, kind, fields, depth, cause, services
		FROM dispatches
		WHERE flow_token = ?
		ORDER BY seq ASC, id COLLATE BINARY ASC
	`, flowToken)
	if err != nil {
		return nil, fmt.Errorf("query dispatches: %w", err)
	}
	defer rows.Close()

	dispatches := []engine.DispatchRecord{}
	for rows.Next() {
		rec, err := scanDispatch(rows)
		if err != nil {
			return nil, err
		}
		dispatches = append(dispatches, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dispatches: %w", err)
	}
	return dispatches, nil
}

func (j *Journal) readEffects(ctx context.Context, flowToken string) ([]engine.EffectRecord, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT dispatch_id, idx, seq, flow_token, service, kind, outcome, error, corrective
		FROM effects
		WHERE flow_token = ?
		ORDER BY seq ASC, dispatch_id COLLATE BINARY ASC, idx ASC
	`, flowToken)
	if err != nil {
		return nil, fmt.Errorf("query effects: %w", err)
	}
	defer rows.Close()

	effects := []engine.EffectRecord{}
	for rows.Next() {
		var rec engine.EffectRecord
		var service, kind, outcome, corrective string
		if err := rows.Scan(
			&rec.DispatchID,
			&rec.Index,
			&rec.Seq,
			&rec.FlowToken,
			&service,
			&kind,
			&outcome,
			&rec.Error,
			&corrective,
		); err != nil {
			return nil, fmt.Errorf("scan effect: %w", err)
		}
		rec.Service = engine.ServiceID(service)
		rec.Kind = engine.Kind(kind)
		rec.Outcome = engine.Outcome(outcome)
		rec.Corrective = engine.Kind(corrective)
		effects = append(effects, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate effects: %w", err)
	}
	return effects, nil
}

// ReadDispatch retrieves a single dispatch by ID.
// Returns sql.ErrNoRows if not found.
func (j *Journal) ReadDispatch(ctx context.Context, id string) (engine.DispatchRecord, error) {
	row := j.db.QueryRowContext(ctx, `
		SELECT id, seq, flow_token, parent_id, kind, fields, depth, cause, services
		FROM dispatches
		WHERE id = ?
	`, id)
	return scanDispatch(row)
}

// ListFlows summarizes every recorded flow, oldest first.
func (j *Journal) ListFlows(ctx context.Context) ([]FlowSummary, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT
			d.flow_token,
			(SELECT r.kind FROM dispatches r
			 WHERE r.flow_token = d.flow_token
			 ORDER BY r.seq ASC, r.id COLLATE BINARY ASC LIMIT 1),
			COUNT(*),
			(SELECT COUNT(*) FROM effects e
			 WHERE e.flow_token = d.flow_token AND e.outcome != 'ok'),
			MIN(d.seq),
			MAX(d.seq)
		FROM dispatches d
		GROUP BY d.flow_token
		ORDER BY MIN(d.seq) ASC, d.flow_token COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query flows: %w", err)
	}
	defer rows.Close()

	flows := []FlowSummary{}
	for rows.Next() {
		var fs FlowSummary
		var rootKind string
		if err := rows.Scan(&fs.FlowToken, &rootKind, &fs.Dispatches, &fs.Failures, &fs.FirstSeq, &fs.LastSeq); err != nil {
			return nil, fmt.Errorf("scan flow: %w", err)
		}
		fs.RootKind = engine.Kind(rootKind)
		flows = append(flows, fs)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate flows: %w", err)
	}
	return flows, nil
}

// LastSeq returns the highest seq recorded, or 0 for an empty journal.
// Pass it to engine.NewClockAt to continue numbering after a restart.
func (j *Journal) LastSeq(ctx context.Context) (int64, error) {
	var seq int64
	err := j.db.QueryRowContext(ctx, `
		SELECT MAX(
			COALESCE((SELECT MAX(seq) FROM dispatches), 0),
			COALESCE((SELECT MAX(seq) FROM effects), 0)
		)
	`).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("read last seq: %w", err)
	}
	return seq, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDispatch(row scanner) (engine.DispatchRecord, error) {
	var rec engine.DispatchRecord
	var kind, fieldsJSON, cause, servicesJSON string
	if err := row.Scan(
		&rec.ID,
		&rec.Seq,
		&rec.FlowToken,
		&rec.ParentID,
		&kind,
		&fieldsJSON,
		&rec.Depth,
		&cause,
		&servicesJSON,
	); err != nil {
		if err == sql.ErrNoRows {
			return rec, err
		}
		return rec, fmt.Errorf("scan dispatch: %w", err)
	}

	rec.Kind = engine.Kind(kind)
	rec.Cause = engine.Cause(cause)

	dec := json.NewDecoder(bytes.NewReader([]byte(fieldsJSON)))
	dec.UseNumber()
	if err := dec.Decode(&rec.Fields); err != nil {
		return rec, fmt.Errorf("decode fields for dispatch %s: %w", rec.ID, err)
	}
	if err := json.Unmarshal([]byte(servicesJSON), &rec.Services); err != nil {
		return rec, fmt.Errorf("decode services for dispatch %s: %w", rec.ID, err)
	}
	return rec, nil
}
