package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"offerwatch/internal/model"
	"offerwatch/internal/storage"
)

// TargetRef identifies a target either by numeric ID or by name. It accepts
// a JSON number, a numeric string or any other string.
type TargetRef struct {
	ID   int64
	Name string
}

func (r *TargetRef) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if id, err := strconv.ParseInt(s, 10, 64); err == nil {
			*r = TargetRef{ID: id}
			return nil
		}
		*r = TargetRef{Name: s}
		return nil
	}
	var id int64
	if err := json.Unmarshal(data, &id); err != nil {
		return fmt.Errorf("target must be an id or a name: %w", err)
	}
	*r = TargetRef{ID: id}
	return nil
}

// BatchRequest is the batch-create payload.
type BatchRequest struct {
	Target TargetRef  `json:"target"`
	Offers []RawOffer `json:"offers"`
}

// BatchCreate resolves the target, ingests the offers, dispatches the created
// ones and returns their URLs. Dispatch failures never fail the call.
func (e *Engine) BatchCreate(ctx context.Context, req BatchRequest) ([]string, error) {
	target, err := e.resolveTarget(ctx, req.Target)
	if err != nil {
		return nil, err
	}

	res, err := e.Ingest(ctx, target.ID, req.Offers)
	if err != nil {
		return nil, err
	}

	urls := make([]string, 0, len(res.Created))
	for _, o := range res.Created {
		urls = append(urls, o.URL)
	}
	e.log.Info("batch ingested",
		"target_id", target.ID, "received", len(req.Offers), "created", len(res.Created),
		"existing", res.Existing, "rejected", res.Rejected)

	if e.dispatcher != nil && len(res.Created) > 0 {
		e.dispatcher.Dispatch(ctx, *target, res.Created)
	}
	return urls, nil
}

func (e *Engine) resolveTarget(ctx context.Context, ref TargetRef) (*model.Target, error) {
	if ref.ID != 0 {
		t, err := e.store.GetTarget(ctx, ref.ID)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, model.ErrTargetDoesNotExist
		}
		if err != nil {
			return nil, fmt.Errorf("get target: %w", err)
		}
		return t, nil
	}
	if ref.Name == "" {
		return nil, fmt.Errorf("%w: target is required", ErrInvalidBatch)
	}
	t, err := e.store.FindTargetByName(ctx, ref.Name)
	if err != nil {
		return nil, fmt.Errorf("find target: %w", err)
	}
	if t == nil {
		return nil, model.ErrTargetDoesNotExist
	}
	return t, nil
}
