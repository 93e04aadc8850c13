package remote

import (
	"fmt"

	cachesync "github.com/hyperengineering/entitycache/internal/sync"
	"github.com/hyperengineering/entitycache/pkg/entity"
)

func toSaveRequest(bundle *entity.SaveBundle) (*cachesync.SaveRequest, error) {
	req := &cachesync.SaveRequest{
		SaveID:   bundle.SaveID,
		SourceID: bundle.SourceID,
		Entities: make([]cachesync.EntityPayload, 0, len(bundle.Entities)),
	}
	for _, be := range bundle.Entities {
		p, err := toPayload(be)
		if err != nil {
			return nil, err
		}
		req.Entities = append(req.Entities, p)
	}
	return req, nil
}

func toPayload(be entity.BundleEntity) (cachesync.EntityPayload, error) {
	p := cachesync.EntityPayload{
		Ref:           be.Ref,
		Type:          be.Type,
		KeyProperties: be.KeyProperties,
		KeyKinds:      make([]string, len(be.KeyKinds)),
		Key:           []any(be.Key),
		TemporaryKey:  be.TemporaryKey,
		Fields:        be.Fields,
	}
	for i, k := range be.KeyKinds {
		p.KeyKinds[i] = k.String()
	}

	switch be.State {
	case entity.Added:
		p.Operation = cachesync.OperationInsert
	case entity.Modified:
		p.Operation = cachesync.OperationUpdate
	case entity.Deleted:
		p.Operation = cachesync.OperationDelete
	default:
		return p, fmt.Errorf("%w: %s is %s, not a pending change", entity.ErrInvalidOperation, be.Ref, be.State)
	}

	// A changed key property means the row is still stored under the old key.
	if p.Operation != cachesync.OperationInsert && be.OriginalValues != nil {
		original := make(entity.Key, len(be.KeyProperties))
		for i, prop := range be.KeyProperties {
			original[i] = be.Key[i]
			if v, ok := be.OriginalValues[prop]; ok && v != nil {
				original[i] = v
			}
		}
		if !original.Equal(be.Key) {
			p.OriginalKey = []any(original)
		}
	}

	for _, fk := range be.ForeignKeys {
		p.ForeignKeys = append(p.ForeignKeys, cachesync.ForeignKeyRef{
			Properties: fk.Properties,
			TargetType: fk.TargetType,
		})
	}
	return p, nil
}

func fromSaveResponse(resp *cachesync.SaveResponse) *entity.SaveResponse {
	out := &entity.SaveResponse{Outcomes: make([]entity.Outcome, 0, len(resp.Outcomes))}
	for _, o := range resp.Outcomes {
		kind := entity.OutcomeSaved
		if o.Kind == cachesync.OutcomeDeleted {
			kind = entity.OutcomeDeleted
		}
		out.Outcomes = append(out.Outcomes, entity.Outcome{
			Ref:    o.Ref,
			Kind:   kind,
			Key:    entity.Key(o.Key),
			Fields: o.Fields,
		})
	}
	return out
}
