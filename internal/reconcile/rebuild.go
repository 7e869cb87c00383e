// Package reconcile rebuilds inspection review data by merging the stored
// action plan items with the raw extraction JSON. The database rows are the
// workflow source of truth; the raw JSON recovers the original wording the
// rows no longer carry.
package reconcile

import (
	"sort"
	"strings"

	"github.com/dfarias/inspectflow/pkg/models"
)

const (
	StatusCompliant          = "Compliant"
	StatusPartiallyCompliant = "Partially Compliant"
	StatusNonCompliant       = "Non-Compliant"

	// Workflow labels for the mutable review state.
	WorkflowPending   = "Pending"
	WorkflowCorrected = "Corrected"
)

// Item is one rebuilt finding, merged from a plan item row and its extraction
// twin.
type Item struct {
	ID               string  `json:"id"`
	CheckedItem      string  `json:"checked_item"`
	Status           string  `json:"status"`
	CurrentStatus    string  `json:"current_status"`
	IsCorrected      bool    `json:"is_corrected"`
	Observation      string  `json:"observation,omitempty"`
	LegalBasis       string  `json:"legal_basis,omitempty"`
	CorrectiveAction string  `json:"corrective_action,omitempty"`
	Deadline         string  `json:"deadline"`
	Score            float64 `json:"score"`
	Severity         string  `json:"severity"`
	ManagerNotes     string  `json:"manager_notes,omitempty"`
	EvidenceURL      string  `json:"evidence_url,omitempty"`
}

// Area is one rebuilt inspection area.
type Area struct {
	Name              string  `json:"area_name"`
	Score             float64 `json:"score"`
	MaxScore          float64 `json:"max_score"`
	Percentage        float64 `json:"percentage"`
	Items             []Item  `json:"items"`
	NonCompliantCount int     `json:"non_compliant_count"`
}

// Options controls the rebuild.
type Options struct {
	// FilterCompliant drops items whose normalized status is Compliant.
	// The consultant review view wants only findings; the manager edit
	// view wants everything.
	FilterCompliant bool
}

type aiTwin struct {
	checkedItem string
	observation string
}

// Rebuild merges plan item rows with the extraction report. Items sort by
// order index with the row id as tie-break, which pins each row to its twin
// in the extraction JSON. Report may be nil when the raw response was lost;
// the rebuild then degrades to database wording only.
func Rebuild(report *models.Report, items []models.ActionPlanItem, opts Options) []Area {
	if len(items) == 0 {
		return []Area{}
	}

	sorted := make([]models.ActionPlanItem, len(items))
	copy(sorted, items)
	sort.SliceStable(sorted, func(a, b int) bool {
		ai, bi := sorted[a].OrderIndex, sorted[b].OrderIndex
		switch {
		case ai == nil && bi == nil:
			return sorted[a].ID.String() < sorted[b].ID.String()
		case ai == nil:
			return false
		case bi == nil:
			return true
		case *ai != *bi:
			return *ai < *bi
		default:
			return sorted[a].ID.String() < sorted[b].ID.String()
		}
	})

	// Twin lookup keyed by (area name, position within area), with a
	// text-prefix fallback for when index alignment has drifted (items
	// added or removed by an editor).
	twins := map[string]map[int]aiTwin{}
	twinsByPrefix := map[string]aiTwin{}
	var areas []Area
	areaIndex := map[string]int{} // normalized name -> position in areas

	if report != nil {
		for _, ra := range report.Areas {
			name := ra.Name
			if name == "" {
				name = "General"
			}
			byIdx := map[int]aiTwin{}
			for idx, it := range ra.Items {
				twin := aiTwin{checkedItem: it.CheckedItem, observation: it.Observation}
				byIdx[idx] = twin
				if key := prefixKey(it.CheckedItem); key != "" {
					twinsByPrefix[key] = twin
				}
			}
			twins[name] = byIdx

			areaIndex[normalizeAreaName(name)] = len(areas)
			areas = append(areas, Area{
				Name:       name,
				Score:      ra.Score,
				MaxScore:   ra.MaxScore,
				Percentage: ra.Percentage,
				Items:      []Item{},
			})
		}
	}

	for _, item := range sorted {
		rawAreaName := "General"
		if item.Sector != nil && strings.TrimSpace(*item.Sector) != "" {
			rawAreaName = *item.Sector
		}

		pos, ok := areaIndex[normalizeAreaName(rawAreaName)]
		if !ok {
			pos = len(areas)
			areaIndex[normalizeAreaName(rawAreaName)] = pos
			areas = append(areas, Area{Name: rawAreaName, Items: []Item{}})
		}
		areaName := areas[pos].Name

		score := 0.0
		if item.OriginalScore != nil {
			score = *item.OriginalScore
		}
		status := StatusNonCompliant
		if item.OriginalStatus != nil && *item.OriginalStatus != "" {
			status = NormalizeStatus(*item.OriginalStatus)
		}

		if opts.FilterCompliant && status == StatusCompliant {
			continue
		}

		currentStatus := WorkflowPending
		if item.CurrentStatus != nil && *item.CurrentStatus != "" {
			currentStatus = *item.CurrentStatus
		}

		var twin aiTwin
		if item.OrderIndex != nil {
			twin = twins[areaName][*item.OrderIndex]
		}
		if twin.checkedItem == "" {
			twin = twinsByPrefix[prefixKey(item.ProblemDescription)]
		}

		checkedItem := twin.checkedItem
		if checkedItem == "" {
			checkedItem = item.ProblemDescription
		}
		observation := twin.observation
		if observation == "" {
			observation = item.ProblemDescription
		}

		areas[pos].Items = append(areas[pos].Items, Item{
			ID:               item.ID.String(),
			CheckedItem:      checkedItem,
			Status:           status,
			CurrentStatus:    currentStatus,
			IsCorrected:      currentStatus == WorkflowCorrected,
			Observation:      observation,
			LegalBasis:       deref(item.LegalBasis),
			CorrectiveAction: deref(item.CorrectiveAction),
			Deadline:         FormatDeadline(item),
			Score:            score,
			Severity:         item.Severity,
			ManagerNotes:     deref(item.ManagerNotes),
			EvidenceURL:      deref(item.EvidenceURL),
		})
	}

	for i := range areas {
		nc := 0
		for _, it := range areas[i].Items {
			if it.Status != StatusCompliant {
				nc++
			}
		}
		areas[i].NonCompliantCount = nc
	}

	return areas
}

// NormalizeStatus collapses free-text compliance wording into the three
// canonical labels. Unrecognized wording passes through untouched.
func NormalizeStatus(status string) string {
	lower := strings.ToLower(status)
	switch {
	case strings.Contains(lower, "partial") || strings.Contains(lower, "parcial"):
		return StatusPartiallyCompliant
	case strings.Contains(lower, "non") || strings.Contains(lower, "not ") ||
		strings.Contains(lower, "não") || strings.Contains(lower, "nao"):
		return StatusNonCompliant
	case strings.Contains(lower, "compliant") || strings.Contains(lower, "conforme"):
		return StatusCompliant
	}
	return status
}

// FormatDeadline picks the display deadline by priority: operator text, then
// the concrete date, then the extraction suggestion.
func FormatDeadline(item models.ActionPlanItem) string {
	if item.DeadlineText != nil && strings.TrimSpace(*item.DeadlineText) != "" {
		return *item.DeadlineText
	}
	if item.DeadlineDate != nil {
		return item.DeadlineDate.Format("02/01/2006")
	}
	if item.AISuggestedDeadline != nil && *item.AISuggestedDeadline != "" {
		return *item.AISuggestedDeadline
	}
	return "N/A"
}

func normalizeAreaName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// prefixKey collapses an item's text to a lowercase whitespace-normalized
// prefix, long enough to be distinctive and short enough to survive trailing
// edits.
func prefixKey(text string) string {
	const prefixLen = 40
	norm := strings.Join(strings.Fields(strings.ToLower(text)), " ")
	if len(norm) > prefixLen {
		norm = norm[:prefixLen]
	}
	return norm
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
