package domain

// CatalogEntry is a reference-data row sourced from the ERP backend.
// Stores and expense accounts use ID/Name/Code; products additionally
// carry a secondary code (Num) and a default unit.
type CatalogEntry struct {
	ID   string
	Name string
	Code string
	Num  string
	Unit string
}

// Catalog is an immutable snapshot of the loaded reference collections.
// Replaced wholesale on refresh, never partially mutated.
type Catalog struct {
	Stores   []CatalogEntry
	Accounts []CatalogEntry
	Products []CatalogEntry
}
