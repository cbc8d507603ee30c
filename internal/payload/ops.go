package payload

import (
	"context"
	"fmt"

	"go.uber.org/multierr"

	"github.com/Adithya-Monish-Kumar-K/payload-text-index/internal/textindex"
	apperrors "github.com/Adithya-Monish-Kumar-K/payload-text-index/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/payload-text-index/pkg/hwcounter"
)

// GetPayload returns a copy of the payload of point. A point without payload
// reads as an empty payload.
func (p *Index) GetPayload(ctx context.Context, point PointOffset, hw *hwcounter.Cell) (Payload, error) {
	pl, err := p.store.Get(ctx, point)
	if err != nil {
		return nil, fmt.Errorf("reading payload of point %d: %w", point, err)
	}
	hw.AddPayloadRead(len(pl) + 1)
	return pl, nil
}

// GetPayloadSequential reads like GetPayload. Callers use it when walking
// points in order; none of the storage backends read ahead.
func (p *Index) GetPayloadSequential(ctx context.Context, point PointOffset, hw *hwcounter.Cell) (Payload, error) {
	return p.GetPayload(ctx, point, hw)
}

// SetPayload merges pl into the payload of point. With an empty key the
// top-level keys of pl are merged; otherwise pl is merged into the object at
// key, which is created if missing.
func (p *Index) SetPayload(ctx context.Context, point PointOffset, pl Payload, key string, hw *hwcounter.Cell) error {
	if key == "" {
		return p.write(ctx, point, hw,
			func(cur Payload) (Payload, error) {
				for k, v := range pl {
					cur[k] = deepCopy(v)
				}
				return cur, nil
			},
			func(ctx context.Context, _ Payload) error { return p.store.Set(ctx, point, clonePayload(pl)) },
		)
	}
	return p.write(ctx, point, hw,
		func(cur Payload) (Payload, error) {
			if err := SetAt(cur, key, clonePayload(pl)); err != nil {
				return nil, err
			}
			return cur, nil
		},
		func(ctx context.Context, next Payload) error { return p.store.Overwrite(ctx, point, next) },
	)
}

// OverwritePayload replaces the payload of point with pl.
func (p *Index) OverwritePayload(ctx context.Context, point PointOffset, pl Payload, hw *hwcounter.Cell) error {
	return p.write(ctx, point, hw,
		func(Payload) (Payload, error) { return clonePayload(pl), nil },
		func(ctx context.Context, next Payload) error { return p.store.Overwrite(ctx, point, next) },
	)
}

// DeletePayload removes the values at key and returns them. Deleting from a
// point without that key is a no-op.
func (p *Index) DeletePayload(ctx context.Context, point PointOffset, key string, hw *hwcounter.Cell) ([]any, error) {
	if key == "" {
		return nil, fmt.Errorf("%w: empty payload key", apperrors.ErrInvalidInput)
	}
	var removed []any
	err := p.write(ctx, point, hw,
		func(cur Payload) (Payload, error) {
			removed = DeleteAt(cur, key)
			return cur, nil
		},
		func(ctx context.Context, next Payload) error {
			if len(removed) == 0 {
				return nil
			}
			if topLevel(key) {
				_, _, err := p.store.Delete(ctx, point, key)
				return err
			}
			return p.store.Overwrite(ctx, point, next)
		},
	)
	if err != nil {
		return nil, err
	}
	return removed, nil
}

// ClearPayload removes the whole payload of point and returns it. The point
// stays known and keeps matching filters such as is_empty.
func (p *Index) ClearPayload(ctx context.Context, point PointOffset, hw *hwcounter.Cell) (Payload, error) {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if p.sealed.Load() {
		return nil, apperrors.ErrReadOnly
	}
	old, err := p.store.Clear(ctx, point)
	if err != nil {
		return nil, fmt.Errorf("clearing payload of point %d: %w", point, err)
	}
	hw.AddPayloadWrite(1)
	if err := p.unindex(point, hw); err != nil {
		return nil, err
	}
	p.touch(point)
	return old, nil
}

// RemovePoint clears the payload of point and forgets the point.
func (p *Index) RemovePoint(ctx context.Context, point PointOffset, hw *hwcounter.Cell) error {
	if _, err := p.ClearPayload(ctx, point, hw); err != nil {
		return err
	}
	p.knownMu.Lock()
	p.known.Remove(point)
	p.knownMu.Unlock()
	p.generation.Add(1)
	return nil
}

// write applies one payload change: next computes the new payload from a
// private copy of the current one, values of text fields are type checked
// before persist stores the change, and field indexes follow.
func (p *Index) write(
	ctx context.Context,
	point PointOffset,
	hw *hwcounter.Cell,
	next func(cur Payload) (Payload, error),
	persist func(ctx context.Context, next Payload) error,
) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if p.sealed.Load() {
		return apperrors.ErrReadOnly
	}

	cur, err := p.store.Get(ctx, point)
	if err != nil {
		return fmt.Errorf("reading payload of point %d: %w", point, err)
	}
	hw.AddPayloadRead(len(cur) + 1)
	updated, err := next(clonePayload(cur))
	if err != nil {
		return err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	for field := range p.text {
		if _, err := textindex.TextValues(ValuesAt(updated, field)); err != nil {
			return fmt.Errorf("field %q point %d: %w", field, point, err)
		}
	}
	if err := persist(ctx, updated); err != nil {
		return fmt.Errorf("writing payload of point %d: %w", point, err)
	}
	hw.AddPayloadWrite(len(updated) + 1)

	var errs error
	for field, ti := range p.text {
		errs = multierr.Append(errs, reindexField(ti, point, ValuesAt(updated, field), hw))
	}
	p.knownMu.Lock()
	p.known.Add(point)
	p.knownMu.Unlock()
	p.touch(point)
	return errs
}

func (p *Index) unindex(point PointOffset, hw *hwcounter.Cell) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var errs error
	for _, ti := range p.text {
		errs = multierr.Append(errs, ti.RemovePoint(point, hw))
	}
	return errs
}

// touch records point for every build waiting to be applied.
func (p *Index) touch(point PointOffset) {
	p.generation.Add(1)
	p.pendingMu.Lock()
	defer p.pendingMu.Unlock()
	for _, pb := range p.pending {
		pb.touched.Add(point)
	}
}
