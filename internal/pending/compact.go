package pending

import (
	"sort"

	"github.com/vdavid/mailsync/internal/models"
)

// Param keys understood by Compact and Apply.
const (
	ParamValue    = "value"    // bool, target state of a toggle
	ParamPrevious = "previous" // bool, state before the toggle
	ParamLabelID  = "label_id" // string, label of add_label, remove_label and move
	ParamFrom     = "from"     // string, label a move started from
)

// Compact folds a list of operations into the shortest list with the same end result.
//
// Operations are processed in creation order per resource:
//   - a toggle (mark_read, star, spam) replaces the earlier one of its kind, and cancels it when
//     it restores the value the earlier one recorded as previous;
//   - add_label and remove_label of the same label cancel;
//   - moves collapse to the last destination, and a move back to where the first one started
//     cancels;
//   - permanent_delete drops every earlier operation on the resource.
//
// Operations that were already attempted are only ever dropped by permanent_delete.
func Compact(ops []models.PendingOperation) []models.PendingOperation {
	sorted := make([]models.PendingOperation, len(ops))
	copy(sorted, ops)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].CreatedAt.Equal(sorted[j].CreatedAt) {
			return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
		}
		return sorted[i].ID < sorted[j].ID
	})

	out := make([]models.PendingOperation, 0, len(sorted))
	for _, op := range sorted {
		out = fold(out, op)
	}
	return out
}

func fold(out []models.PendingOperation, op models.PendingOperation) []models.PendingOperation {
	switch op.OpType {
	case models.OpPermanentDelete:
		kept := out[:0]
		for _, existing := range out {
			if existing.ResourceID != op.ResourceID {
				kept = append(kept, existing)
			}
		}
		return append(kept, op)

	case models.OpMarkRead, models.OpStar, models.OpSpam:
		i := lastMatch(out, op, func(e models.PendingOperation) bool { return e.OpType == op.OpType })
		if i < 0 {
			return append(out, op)
		}
		earlier := out[i]
		out = removeAt(out, i)
		if previous, ok := boolParam(earlier, ParamPrevious); ok {
			if value, ok := boolParam(op, ParamValue); ok && value == previous {
				return out
			}
			op = withParam(op, ParamPrevious, previous)
		}
		return append(out, op)

	case models.OpAddLabel, models.OpRemoveLabel:
		label := stringParam(op, ParamLabelID)
		opposite := models.OpRemoveLabel
		if op.OpType == models.OpRemoveLabel {
			opposite = models.OpAddLabel
		}
		i := lastMatch(out, op, func(e models.PendingOperation) bool {
			return (e.OpType == opposite || e.OpType == op.OpType) && stringParam(e, ParamLabelID) == label
		})
		if i < 0 {
			return append(out, op)
		}
		earlier := out[i]
		out = removeAt(out, i)
		if earlier.OpType == opposite {
			return out
		}
		return append(out, op)

	case models.OpMove:
		i := lastMatch(out, op, func(e models.PendingOperation) bool { return e.OpType == models.OpMove })
		if i < 0 {
			return append(out, op)
		}
		from := stringParam(out[i], ParamFrom)
		out = removeAt(out, i)
		if from != "" && stringParam(op, ParamLabelID) == from {
			return out
		}
		if from != "" {
			op = withParam(op, ParamFrom, from)
		}
		return append(out, op)
	}

	return append(out, op)
}

// lastMatch finds the newest not-yet-attempted operation on the same resource accepted by match.
func lastMatch(out []models.PendingOperation, op models.PendingOperation, match func(models.PendingOperation) bool) int {
	for i := len(out) - 1; i >= 0; i-- {
		e := out[i]
		if e.ResourceID != op.ResourceID || e.RetryCount > 0 {
			continue
		}
		if match(e) {
			return i
		}
	}
	return -1
}

func removeAt(out []models.PendingOperation, i int) []models.PendingOperation {
	return append(out[:i], out[i+1:]...)
}

func boolParam(op models.PendingOperation, key string) (bool, bool) {
	v, ok := op.Params[key].(bool)
	return v, ok
}

func stringParam(op models.PendingOperation, key string) string {
	v, _ := op.Params[key].(string)
	return v
}

func withParam(op models.PendingOperation, key string, value any) models.PendingOperation {
	params := make(map[string]any, len(op.Params)+1)
	for k, v := range op.Params {
		params[k] = v
	}
	params[key] = value
	op.Params = params
	return op
}
