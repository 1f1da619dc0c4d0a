package evaluation

import (
	"fmt"
	"sort"
	"strings"

	"github.com/okian/guidepulse/internal/domain/model"
)

// ValidateItems checks a batch: non-empty, every item has a guideline id and
// a percentage in [0,100].
func ValidateItems(items []model.EvaluationItem) error {
	if len(items) == 0 {
		return fmt.Errorf("%w: evaluations must not be empty", ErrValidation)
	}
	for i, it := range items {
		if strings.TrimSpace(it.GuidelineID) == "" {
			return fmt.Errorf("%w: evaluations[%d].guidelineId is required", ErrValidation, i)
		}
		if it.Percentage < model.MinPercentage || it.Percentage > model.MaxPercentage {
			return fmt.Errorf("%w: evaluations[%d].percentage %d out of range [%d,%d]",
				ErrValidation, i, it.Percentage, model.MinPercentage, model.MaxPercentage)
		}
	}
	return nil
}

// Deltas folds items into one increment per guideline, sorted by guideline id
// so concurrent batches touch aggregate rows in the same order.
func Deltas(items []model.EvaluationItem) []model.AggregateDelta {
	byID := make(map[string]*model.AggregateDelta, len(items))
	for _, it := range items {
		d, ok := byID[it.GuidelineID]
		if !ok {
			d = &model.AggregateDelta{GuidelineID: it.GuidelineID}
			byID[it.GuidelineID] = d
		}
		d.Count++
		d.Sum += int64(it.Percentage)
	}
	out := make([]model.AggregateDelta, 0, len(byID))
	for _, d := range byID {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GuidelineID < out[j].GuidelineID })
	return out
}

// UnknownGuidelines returns the distinct ids in items that are absent from known, in input order.
func UnknownGuidelines(items []model.EvaluationItem, known map[string]model.Guideline) []string {
	var missing []string
	seen := make(map[string]struct{})
	for _, it := range items {
		if _, ok := known[it.GuidelineID]; ok {
			continue
		}
		if _, dup := seen[it.GuidelineID]; dup {
			continue
		}
		seen[it.GuidelineID] = struct{}{}
		missing = append(missing, it.GuidelineID)
	}
	return missing
}
