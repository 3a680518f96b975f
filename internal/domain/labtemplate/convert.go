package labtemplate

import (
	"strconv"
)

// Row statuses.
const (
	StatusNormal   = "normal"
	StatusLow      = "low"
	StatusHigh     = "high"
	StatusCritical = "critical"
)

// FormRow is the flat, editable shape of one template parameter used by
// result entry.
type FormRow struct {
	ParameterID    string   `json:"parameter_id"`
	ParameterName  string   `json:"parameter_name"`
	Value          string   `json:"value"`
	Unit           string   `json:"unit"`
	ReferenceRange string   `json:"reference_range"`
	Status         string   `json:"status"`
	NormalRangeMin float64  `json:"-"`
	NormalRangeMax float64  `json:"-"`
	CriticalLow    *float64 `json:"critical_low,omitempty"`
	CriticalHigh   *float64 `json:"critical_high,omitempty"`
}

// ToFormRows maps each parameter of t to a FormRow with an empty value and a
// "normal" status.
func ToFormRows(t Template) []FormRow {
	rows := make([]FormRow, 0, len(t.Parameters))
	for _, p := range t.Parameters {
		p = p.clone()
		rows = append(rows, FormRow{
			ParameterID:    p.ID,
			ParameterName:  p.Name,
			Value:          "",
			Unit:           p.Unit,
			ReferenceRange: formatRange(p.NormalRangeMin, p.NormalRangeMax),
			Status:         StatusNormal,
			NormalRangeMin: p.NormalRangeMin,
			NormalRangeMax: p.NormalRangeMax,
			CriticalLow:    p.CriticalLow,
			CriticalHigh:   p.CriticalHigh,
		})
	}
	return rows
}

// ClassifyValue grades an entered value against the row's ranges. Values that
// do not parse as numbers keep the "normal" status.
func ClassifyValue(row FormRow, value string) string {
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return StatusNormal
	}
	if row.CriticalLow != nil && v <= *row.CriticalLow {
		return StatusCritical
	}
	if row.CriticalHigh != nil && v >= *row.CriticalHigh {
		return StatusCritical
	}
	if v < row.NormalRangeMin {
		return StatusLow
	}
	if v > row.NormalRangeMax {
		return StatusHigh
	}
	return StatusNormal
}

func formatRange(lo, hi float64) string {
	return strconv.FormatFloat(lo, 'f', -1, 64) + "-" + strconv.FormatFloat(hi, 'f', -1, 64)
}
