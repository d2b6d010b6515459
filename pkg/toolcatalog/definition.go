package toolcatalog

import "sort"

// Definition is the persisted form of an operator-authored tool
type Definition struct {
	Name         string `json:"name" mapstructure:"name"`
	Description  string `json:"description" mapstructure:"description"`
	InputSchema  string `json:"input_schema" mapstructure:"input_schema"`
	Script       string `json:"script" mapstructure:"script"`
	RunAfterInit bool   `json:"run_after_init" mapstructure:"run_after_init"`
	Order        int    `json:"order" mapstructure:"order"`
}

// Densify re-assigns Order 1..N preserving relative order. Catalogs
// call it after any mutation so ordering gaps never accumulate.
func Densify(defs []Definition) {
	sort.SliceStable(defs, func(i, j int) bool { return defs[i].Order < defs[j].Order })
	for i := range defs {
		defs[i].Order = i + 1
	}
}
