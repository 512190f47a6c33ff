package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"writeoff-bot/internal/domain"
)

// timeLabelFormat is the human-readable timestamp written to the audit
// journal; the date half doubles as the daily report key.
const timeLabelFormat = "02.01.2006 15:04:05"

const (
	commentWriteoffPrefix = "Списание через бота. User: "
	commentTransferPrefix = "Перемещение через бота. User: "
)

// AuditLog is the journal collaborator. Append happens before any ERP
// call; Update applies the outcome to the same row.
type AuditLog interface {
	Append(ctx context.Context, record domain.AuditRecord) (domain.RowRef, error)
	Update(ctx context.Context, ref domain.RowRef, upd domain.AuditUpdate) error
}

// DocumentCreator is the ERP document surface the coordinator drives.
type DocumentCreator interface {
	CreateWriteoff(ctx context.Context, req domain.DocumentRequest) (domain.DocumentResult, error)
	CreateTransfer(ctx context.Context, req domain.DocumentRequest) (domain.DocumentResult, error)
	ProcessWriteoff(ctx context.Context, docID string) (domain.DocumentResult, error)
}

// SubmitOutcome is the structured result of a submission attempt.
type SubmitOutcome struct {
	Success   bool
	Kind      domain.OperationKind
	DocID     string
	DocNumber string
	// Submitted are the items that went into the document; Skipped are the
	// ones dropped for a parse error or a failed catalog match.
	Submitted []domain.ParsedItem
	Skipped   []domain.ParsedItem
	// ErrorText carries the backend's joined rejection reasons when
	// Success is false. Retryable marks that the same item set can be
	// replayed with Retry.
	ErrorText string
	Retryable bool
}

// pendingSubmission keeps what a follow-up action needs: the journal row,
// the request for a replay after a structured rejection, and the created
// document id for Process after a success.
type pendingSubmission struct {
	ref       domain.RowRef
	kind      domain.OperationKind
	req       domain.DocumentRequest
	submitted []domain.ParsedItem
	skipped   []domain.ParsedItem
	docID     string
	retryable bool
}

// Coordinator runs the submission sequence: journal append, ERP call,
// journal update. The record is written with status NEW before the ERP is
// touched, so a crash mid-flight leaves an auditable trace.
type Coordinator struct {
	audit AuditLog
	docs  DocumentCreator
	log   *slog.Logger
	loc   *time.Location

	mu      sync.Mutex
	pending map[string]*pendingSubmission

	now func() time.Time
}

func NewCoordinator(audit AuditLog, docs DocumentCreator, loc *time.Location, log *slog.Logger) (*Coordinator, error) {
	if audit == nil {
		return nil, errors.New("usecase: audit log must not be nil")
	}
	if docs == nil {
		return nil, errors.New("usecase: document creator must not be nil")
	}
	if loc == nil {
		loc = time.UTC
	}
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{
		audit:   audit,
		docs:    docs,
		log:     log,
		loc:     loc,
		pending: make(map[string]*pendingSubmission),
		now:     time.Now,
	}, nil
}

// Submit journals the operation, sends the document to the ERP and applies
// the outcome to the journal row. A transport failure leaves the row at
// NEW: the caller keeps the conversation state and the user re-confirms.
func (c *Coordinator) Submit(ctx context.Context, state domain.ConversationState) (SubmitOutcome, error) {
	if strings.TrimSpace(state.UserID) == "" {
		return SubmitOutcome{}, newError(ErrorInvalidInput, "empty_user_id", nil)
	}
	if strings.TrimSpace(state.StoreID) == "" {
		return SubmitOutcome{}, newError(ErrorInvalidInput, "store_not_selected", nil)
	}
	if state.Kind == domain.OpTransfer && strings.TrimSpace(state.StoreToID) == "" {
		return SubmitOutcome{}, newError(ErrorInvalidInput, "destination_not_selected", nil)
	}

	submitted, skipped := splitResolved(state.Items)

	record := domain.AuditRecord{
		Timestamp:   c.now().In(c.loc).Format(timeLabelFormat),
		Kind:        state.Kind,
		StoreID:     state.StoreID,
		StoreName:   state.StoreName,
		AccountID:   state.AccountID,
		AccountName: state.AccountName,
		RawText:     state.RawText,
		Items:       state.Items,
		UserID:      state.UserID,
		Status:      domain.StatusNew,
	}
	ref, err := c.audit.Append(ctx, record)
	if err != nil {
		return SubmitOutcome{}, newError(ErrorInternal, "audit_append_error", err)
	}

	if len(submitted) == 0 {
		c.applyUpdate(ctx, ref, domain.AuditUpdate{
			Status:   strPtr(domain.StatusError),
			ErrorMsg: strPtr("no items matched the catalog"),
		})
		return SubmitOutcome{Skipped: skipped}, newError(ErrorInvalidInput, "no_items_resolved", nil)
	}

	req := c.buildRequest(state, submitted)
	return c.send(ctx, state.UserID, state.Kind, ref, req, submitted, skipped)
}

// Retry replays the last rejected submission for the user against the ERP
// only; the journal row from the original attempt is reused, no second
// append happens.
func (c *Coordinator) Retry(ctx context.Context, userID string) (SubmitOutcome, error) {
	c.mu.Lock()
	p, ok := c.pending[userID]
	c.mu.Unlock()
	if !ok || !p.retryable {
		return SubmitOutcome{}, newError(ErrorInvalidInput, "nothing_to_retry", nil)
	}
	return c.send(ctx, userID, p.kind, p.ref, p.req, p.submitted, p.skipped)
}

// Process marks the user's last successfully created writeoff as processed
// in the ERP and bumps the journal row to SENT.
func (c *Coordinator) Process(ctx context.Context, userID string) (SubmitOutcome, error) {
	c.mu.Lock()
	p, ok := c.pending[userID]
	c.mu.Unlock()
	if !ok || p.docID == "" {
		return SubmitOutcome{}, newError(ErrorInvalidInput, "nothing_to_process", nil)
	}
	if p.kind != domain.OpWriteoff {
		return SubmitOutcome{}, newError(ErrorInvalidInput, "process_writeoff_only", nil)
	}

	result, err := c.docs.ProcessWriteoff(ctx, p.docID)
	if err != nil {
		return SubmitOutcome{}, newError(ErrorTransport, "erp_transport_error", err)
	}
	if !result.Success {
		return SubmitOutcome{
			DocID:     p.docID,
			ErrorText: strings.Join(result.Errors, "; "),
		}, nil
	}

	c.applyUpdate(ctx, p.ref, domain.AuditUpdate{Status: strPtr(domain.StatusSent)})
	c.mu.Lock()
	delete(c.pending, userID)
	c.mu.Unlock()

	return SubmitOutcome{
		Success:   true,
		DocID:     p.docID,
		DocNumber: result.DocNumber,
	}, nil
}

func (c *Coordinator) send(ctx context.Context, userID string, kind domain.OperationKind, ref domain.RowRef, req domain.DocumentRequest, submitted, skipped []domain.ParsedItem) (SubmitOutcome, error) {
	var (
		result domain.DocumentResult
		err    error
	)
	switch kind {
	case domain.OpTransfer:
		result, err = c.docs.CreateTransfer(ctx, req)
	default:
		result, err = c.docs.CreateWriteoff(ctx, req)
	}
	if err != nil {
		// Row stays at NEW: the document may or may not have been created.
		c.log.Error("submit: erp call failed", "user", userID, "kind", kind, "err", err)
		return SubmitOutcome{}, newError(ErrorTransport, "erp_transport_error", err)
	}

	if !result.Success {
		errText := strings.Join(result.Errors, "; ")
		if errText == "" {
			errText = "document rejected"
		}
		c.applyUpdate(ctx, ref, domain.AuditUpdate{
			Status:   strPtr(domain.StatusError),
			ErrorMsg: strPtr(errText),
		})
		c.remember(userID, &pendingSubmission{
			ref:       ref,
			kind:      kind,
			req:       req,
			submitted: submitted,
			skipped:   skipped,
			retryable: true,
		})
		return SubmitOutcome{
			Kind:      kind,
			Submitted: submitted,
			Skipped:   skipped,
			ErrorText: errText,
			Retryable: true,
		}, nil
	}

	c.applyUpdate(ctx, ref, domain.AuditUpdate{
		DocID:     strPtr(result.DocID),
		DocNumber: strPtr(result.DocNumber),
		Status:    strPtr(domain.StatusOK),
	})
	c.remember(userID, &pendingSubmission{
		ref:   ref,
		kind:  kind,
		docID: result.DocID,
	})
	c.log.Info("submit: document created",
		"user", userID, "kind", kind, "docId", result.DocID, "docNumber", result.DocNumber)

	return SubmitOutcome{
		Success:   true,
		Kind:      kind,
		DocID:     result.DocID,
		DocNumber: result.DocNumber,
		Submitted: submitted,
		Skipped:   skipped,
	}, nil
}

func (c *Coordinator) buildRequest(state domain.ConversationState, submitted []domain.ParsedItem) domain.DocumentRequest {
	items := make([]domain.DocumentItem, 0, len(submitted))
	for _, it := range submitted {
		items = append(items, domain.DocumentItem{ProductID: it.ProductID, Amount: it.Amount})
	}
	if state.Kind == domain.OpTransfer {
		return domain.DocumentRequest{
			StoreFromID: state.StoreID,
			StoreToID:   state.StoreToID,
			Comment:     commentTransferPrefix + state.UserID,
			Items:       items,
		}
	}
	return domain.DocumentRequest{
		StoreID:   state.StoreID,
		AccountID: state.AccountID,
		Comment:   commentWriteoffPrefix + state.UserID,
		Items:     items,
	}
}

// applyUpdate applies a journal update best-effort: the document outcome
// is already settled, so a failed update is logged and not surfaced.
func (c *Coordinator) applyUpdate(ctx context.Context, ref domain.RowRef, upd domain.AuditUpdate) {
	if err := c.audit.Update(ctx, ref, upd); err != nil {
		c.log.Warn("submit: audit update failed", "pk", ref.PK, "sk", ref.SK, "err", err)
	}
}

func (c *Coordinator) remember(userID string, p *pendingSubmission) {
	c.mu.Lock()
	c.pending[userID] = p
	c.mu.Unlock()
}

func splitResolved(items []domain.ParsedItem) (submitted, skipped []domain.ParsedItem) {
	for _, it := range items {
		if !it.ParseError && it.ProductID != "" {
			submitted = append(submitted, it)
		} else {
			skipped = append(skipped, it)
		}
	}
	return submitted, skipped
}

func strPtr(s string) *string { return &s }
