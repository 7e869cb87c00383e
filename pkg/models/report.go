package models

// Report is the structured checklist produced by the AI extraction service.
// Area-level scores are preserved verbatim and never recomputed from items,
// to avoid double-rounding drift downstream.
type Report struct {
	EstablishmentName string       `json:"establishment_name"`
	CompanyName       string       `json:"company_name,omitempty"`
	InspectionDate    string       `json:"inspection_date,omitempty"`
	OverallSummary    string       `json:"overall_summary"`
	Strengths         string       `json:"strengths,omitempty"`
	OverallScore      float64      `json:"overall_score"`
	OverallMaxScore   float64      `json:"overall_max_score"`
	OverallPercentage float64      `json:"overall_percentage"`
	Areas             []ReportArea `json:"areas"`
}

// ReportArea is one physical area of the inspected site.
type ReportArea struct {
	Name       string       `json:"area_name"`
	Summary    string       `json:"area_summary,omitempty"`
	Score      float64      `json:"score"`
	MaxScore   float64      `json:"max_score"`
	Percentage float64      `json:"percentage"`
	Items      []ReportItem `json:"items"`
}

// ReportItem is one checked item within an area. Status arrives as free text
// from the model and is normalized only at the display boundary.
type ReportItem struct {
	CheckedItem       string  `json:"checked_item"`
	Status            string  `json:"status"`
	Observation       string  `json:"observation,omitempty"`
	LegalBasis        string  `json:"legal_basis,omitempty"`
	CorrectiveAction  string  `json:"corrective_action,omitempty"`
	SuggestedDeadline string  `json:"suggested_deadline,omitempty"`
	Score             float64 `json:"score"`
}
