package domain

// Step is the explicit conversation step. Transitions are driven by the
// workflow's (step, event) table; anything outside the table is rejected
// with a guidance message rather than falling through.
type Step int

const (
	StepIdle Step = iota
	StepSelectStore
	StepSelectAccount
	StepCollectItems
	StepAwaitQuantity
	StepConfirm
)

func (s Step) String() string {
	switch s {
	case StepIdle:
		return "idle"
	case StepSelectStore:
		return "select_store"
	case StepSelectAccount:
		return "select_account"
	case StepCollectItems:
		return "collect_items"
	case StepAwaitQuantity:
		return "await_quantity"
	case StepConfirm:
		return "confirm"
	default:
		return "unknown"
	}
}

// OperationKind distinguishes the two document flows.
type OperationKind string

const (
	OpWriteoff OperationKind = "writeoff"
	OpTransfer OperationKind = "transfer"
)

// ConversationState is the per-user workflow state. One instance per user,
// held in memory only; lost on process restart.
type ConversationState struct {
	UserID      string
	Step        Step
	Kind        OperationKind
	StoreID     string
	StoreName   string
	StoreToID   string
	StoreToName string
	AccountID   string
	AccountName string
	RawText     string
	Items       []ParsedItem
	// Selected holds the product chosen from a candidate list while the
	// quantity prompt is outstanding.
	Selected *CatalogEntry
}
