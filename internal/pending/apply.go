package pending

import (
	"context"
	"fmt"

	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/provider"
)

// Apply performs op on the server through adapter. messageIDs are the provider-qualified ids
// of the messages in the operation's thread.
func Apply(ctx context.Context, adapter provider.Adapter, op models.PendingOperation, messageIDs []string) error {
	threadID := op.ResourceID
	value, _ := boolParam(op, ParamValue)
	label := stringParam(op, ParamLabelID)

	switch op.OpType {
	case models.OpMarkRead:
		return adapter.MarkRead(ctx, threadID, messageIDs, value)
	case models.OpStar:
		return adapter.Star(ctx, threadID, messageIDs, value)
	case models.OpSpam:
		return adapter.Spam(ctx, threadID, messageIDs, value)
	case models.OpArchive:
		return adapter.Archive(ctx, threadID, messageIDs)
	case models.OpTrash:
		return adapter.Trash(ctx, threadID, messageIDs)
	case models.OpPermanentDelete:
		return adapter.PermanentDelete(ctx, threadID, messageIDs)
	case models.OpMove:
		return adapter.Move(ctx, threadID, messageIDs, label)
	case models.OpAddLabel:
		return adapter.AddLabel(ctx, threadID, messageIDs, label)
	case models.OpRemoveLabel:
		return adapter.RemoveLabel(ctx, threadID, messageIDs, label)
	}
	return fmt.Errorf("%w: %s", provider.ErrNotSupported, op.OpType)
}
