package auditledger

import (
	"context"
	"fmt"
	"time"
)

// appendEvent chains a new event onto the ledger tail inside tx. The caller
// must hold the writer serialisation for the duration of tx.
func appendEvent(ctx context.Context, tx WriterTx, in EventInput, now time.Time) (*Event, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	prev, err := tx.LastHash(ctx)
	if err != nil {
		return nil, fmt.Errorf("read ledger tail: %w", err)
	}

	e := newEvent(in, prev, now)
	if err := tx.InsertEvent(ctx, e); err != nil {
		return nil, fmt.Errorf("insert audit event: %w", err)
	}
	return e, nil
}
