// Package bitable talks to the external tabular store: credential caching,
// field-schema caching, single-select option resolution, and a retrying
// record API client.
package bitable

const (
	// Field type tag the fields-listing endpoint uses for single-select columns.
	FieldTypeSingleSelect = 3

	// Option identifiers issued by the store carry this prefix.
	optionIDPrefix = "opt"
)

// FieldMeta describes one external-table column. For single-select columns
// the option catalog maps label to option id. Immutable once built; cache
// refreshes replace the whole map rather than mutating entries.
type FieldMeta struct {
	Name          string
	Type          int
	UIType        string
	OptionsByName map[string]string
	OptionIDs     map[string]struct{}
}

// IsSingleSelect reports whether the column only accepts catalog option ids.
func (m FieldMeta) IsSingleSelect() bool {
	return m.UIType == "SingleSelect" || m.Type == FieldTypeSingleSelect
}
