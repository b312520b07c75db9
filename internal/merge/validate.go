package merge

import (
	"sort"
	"strings"

	"github.com/placeharvest/pipeline/internal/scrape"
)

// FieldSpec is one required field. A field is found when any of its Keys is
// populated; Critical marks the stricter tier.
type FieldSpec struct {
	Name     string
	Keys     []string
	Critical bool
}

// Validator classifies required fields into tiers and scores coverage.
type Validator struct {
	fields []FieldSpec
}

// DefaultFields is the listing taxonomy: one hard logical field satisfied by
// any title-equivalent key, and the critical quartet of address, rating,
// review count and category. Category is present when either a direct
// categories list or a rubric with meaningful content exists.
func DefaultFields() []FieldSpec {
	return []FieldSpec{
		{Name: "title", Keys: []string{"title", "name"}},
		{Name: "address", Keys: []string{"address"}, Critical: true},
		{Name: "rating", Keys: []string{"rating"}, Critical: true},
		{Name: "reviews_count", Keys: []string{"reviews_count"}, Critical: true},
		{Name: "category", Keys: []string{"categories", "rubric"}, Critical: true},
	}
}

// NewValidator builds a Validator over the given taxonomy; nil means the
// default listing fields.
func NewValidator(fields []FieldSpec) *Validator {
	if fields == nil {
		fields = DefaultFields()
	}
	return &Validator{fields: fields}
}

// Validate computes presence per required field, warnings for keys that are
// present but semantically missing (nil or empty), and the coverage score
// |found| / |required|.
func (v *Validator) Validate(data map[string]any) scrape.ValidationResult {
	res := scrape.ValidationResult{
		FoundFields:   []string{},
		MissingFields: []string{},
		HardMissing:   []string{},
		Warnings:      []string{},
	}

	for _, f := range v.fields {
		if fieldPresent(data, f.Keys) {
			res.FoundFields = append(res.FoundFields, f.Name)
			continue
		}
		res.MissingFields = append(res.MissingFields, f.Name)
		if !f.Critical {
			res.HardMissing = append(res.HardMissing, f.Name)
		}
		for _, key := range f.Keys {
			if _, exists := data[key]; exists {
				res.Warnings = append(res.Warnings, "missing_in_source:"+key)
			}
		}
	}

	if len(v.fields) > 0 {
		res.QualityScore = float64(len(res.FoundFields)) / float64(len(v.fields))
	}
	sort.Strings(res.Warnings)
	return res
}

func fieldPresent(data map[string]any, keys []string) bool {
	for _, key := range keys {
		v, ok := data[key]
		if !ok {
			continue
		}
		if key == "rubric" {
			if meaningfulRubric(v) {
				return true
			}
			continue
		}
		if !IsEmpty(v) {
			return true
		}
	}
	return false
}

// meaningfulRubric accepts a non-blank rubric string or a rubric object/map
// with at least one populated value.
func meaningfulRubric(v any) bool {
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val) != ""
	case map[string]any:
		for _, inner := range val {
			if !IsEmpty(inner) {
				return true
			}
		}
		return false
	default:
		return !IsEmpty(v)
	}
}
