package domain

// Status values an audit record moves through. A record is created as NEW
// before any ERP call, then receives at most one terminal update; SENT
// marks a created document that was subsequently processed in the ERP.
const (
	StatusNew   = "NEW"
	StatusOK    = "OK"
	StatusError = "ERROR"
	StatusSent  = "SENT"
)

// RowRef is an opaque handle to an appended audit record, returned by the
// audit store and passed back for updates.
type RowRef struct {
	PK string
	SK string
}

// AuditRecord is one journal row per submission attempt.
type AuditRecord struct {
	Timestamp   string
	Kind        OperationKind
	StoreID     string
	StoreName   string
	AccountID   string
	AccountName string
	RawText     string
	Items       []ParsedItem
	UserID      string
	DocID       string
	DocNumber   string
	Status      string
	ErrorMsg    string
}

// AuditUpdate is a partial update applied to an existing record. Nil
// fields are left untouched.
type AuditUpdate struct {
	DocID     *string
	DocNumber *string
	Status    *string
	ErrorMsg  *string
}
