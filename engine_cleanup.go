package kestrel

import (
	"context"
	"time"
)

// ListExpiredOrTerminalChanges returns ledger records that have been
// expired or terminal for at least olderThan, for an external cleanup job
// to inspect and purge. The engine never deletes ledger records on its
// own; the ledger is an auditable record until the host decides otherwise.
func (e *Engine) ListExpiredOrTerminalChanges(ctx context.Context, olderThan time.Duration, limit int) ([]PendingChangeInfo, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}

	cutoff := time.Now().Add(-olderThan)
	records, err := e.changeStore.ListBefore(ctx, cutoff, limit)
	if err != nil {
		return nil, wrapInternal(err)
	}

	infos := make([]PendingChangeInfo, 0, len(records))
	for _, record := range records {
		infos = append(infos, PendingChangeInfo{
			ChangeID:  record.ChangeID,
			UserID:    record.UserID,
			OldValue:  record.OldValue,
			NewValue:  record.NewValue,
			Status:    ChangeStatus(record.Status),
			CreatedAt: time.Unix(record.CreatedAt, 0),
			ExpiresAt: time.Unix(record.ExpiresAt, 0),
		})
	}
	return infos, nil
}

// PurgeChange removes one ledger record and all of its indexes. Intended
// to be called by the cleanup job for records returned by
// [Engine.ListExpiredOrTerminalChanges].
func (e *Engine) PurgeChange(ctx context.Context, changeID string) error {
	if e == nil {
		return ErrEngineNotReady
	}

	if err := e.changeStore.Purge(ctx, changeID); err != nil {
		return wrapInternal(err)
	}

	e.auditEvent(ctx, "email_change.purged", "", "", true, nil, map[string]string{"change_id": changeID})
	return nil
}
