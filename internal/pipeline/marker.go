package pipeline

import (
	"context"
	"errors"

	"github.com/inimical023/RC-Zoho-API-Advanced/internal/calls"
)

// PendingMarker flags a record as reconciling_pending right before its CRM
// lead create is sent. If the create response is then lost, the state tells
// the retry to search the CRM before creating again.
type PendingMarker struct {
	Store calls.Store
}

func (m PendingMarker) MarkPendingCreate(ctx context.Context, callID string) error {
	_, err := m.Store.UpdateState(ctx, callID,
		calls.StateReconciling, calls.StateReconcilingPending, calls.StateUpdate{})
	if errors.Is(err, calls.ErrStaleState) {
		// Already marked by a previous attempt.
		return nil
	}
	return err
}
