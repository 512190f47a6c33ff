package domain

// DocumentItem is one position of an ERP document-creation request.
type DocumentItem struct {
	ProductID string  `json:"productId"`
	Amount    float64 `json:"amount"`
}

// DocumentRequest carries the fields for creating a writeoff or transfer
// document. Writeoffs use StoreID and (optionally) AccountID; transfers
// use StoreFromID and StoreToID.
type DocumentRequest struct {
	StoreID     string
	StoreFromID string
	StoreToID   string
	AccountID   string
	Comment     string
	Items       []DocumentItem
}

// DocumentResult is the structured outcome of a document-creation call.
// Success reflects result == SUCCESS; Errors carries the backend's error
// strings on rejection.
type DocumentResult struct {
	Success   bool
	DocID     string
	DocNumber string
	Errors    []string
}
