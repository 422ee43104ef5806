package model

// FieldDef describes one question in the RFI template: where it lives,
// what to look for, and which CRM property can answer it directly.
// Field definitions are loaded once at startup and never mutated.
type FieldDef struct {
	Key         string `json:"key" yaml:"key"`
	Question    string `json:"question" yaml:"question"`
	Category    string `json:"category" yaml:"category"`
	Hint        string `json:"hint" yaml:"hint"`
	Row         int    `json:"row" yaml:"row"`
	CRMProperty string `json:"crm_property,omitempty" yaml:"crm_property,omitempty"`
	ManualOnly  bool   `json:"manual_only,omitempty" yaml:"manual_only,omitempty"`
}

// FieldRegistry is an indexed, immutable collection of field definitions.
type FieldRegistry struct {
	Fields      []FieldDef
	byKey       map[string]*FieldDef
	byCategory  map[string][]*FieldDef
	categories  []string
	extractable []*FieldDef
}

// NewFieldRegistry creates a FieldRegistry with indexed lookups.
// Category order follows first appearance in the field list.
func NewFieldRegistry(fields []FieldDef) *FieldRegistry {
	r := &FieldRegistry{
		Fields:     fields,
		byKey:      make(map[string]*FieldDef, len(fields)),
		byCategory: make(map[string][]*FieldDef),
	}
	for i := range r.Fields {
		f := &r.Fields[i]
		r.byKey[f.Key] = f
		if _, seen := r.byCategory[f.Category]; !seen {
			r.categories = append(r.categories, f.Category)
		}
		r.byCategory[f.Category] = append(r.byCategory[f.Category], f)
		if !f.ManualOnly {
			r.extractable = append(r.extractable, f)
		}
	}
	return r
}

// ByKey returns the field definition for the given key, or nil if not found.
func (r *FieldRegistry) ByKey(key string) *FieldDef {
	return r.byKey[key]
}

// ByCategory returns the field definitions in one category.
func (r *FieldRegistry) ByCategory(category string) []*FieldDef {
	return r.byCategory[category]
}

// Categories returns category names in template order.
func (r *FieldRegistry) Categories() []string {
	return r.categories
}

// Extractable returns fields eligible for model extraction, excluding
// manual-only entries.
func (r *FieldRegistry) Extractable() []*FieldDef {
	return r.extractable
}

// ExtractableByCategory groups extractable fields by category, preserving
// template order. Categories with only manual fields are omitted.
func (r *FieldRegistry) ExtractableByCategory() map[string][]*FieldDef {
	out := make(map[string][]*FieldDef)
	for _, f := range r.extractable {
		out[f.Category] = append(out[f.Category], f)
	}
	return out
}
