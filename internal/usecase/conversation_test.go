package usecase

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"writeoff-bot/internal/domain"
)

type fakeSubmitter struct {
	submitted []domain.ConversationState
	out       SubmitOutcome
	err       error

	retryCalls   int
	processCalls int
}

func (f *fakeSubmitter) Submit(_ context.Context, state domain.ConversationState) (SubmitOutcome, error) {
	f.submitted = append(f.submitted, state)
	return f.out, f.err
}

func (f *fakeSubmitter) Retry(context.Context, string) (SubmitOutcome, error) {
	f.retryCalls++
	return f.out, f.err
}

func (f *fakeSubmitter) Process(context.Context, string) (SubmitOutcome, error) {
	f.processCalls++
	return f.out, f.err
}

type fakeSummarizer struct {
	gotLabel string
	summary  Summary
}

func (f *fakeSummarizer) Summarize(_ context.Context, dateLabel string) Summary {
	f.gotLabel = dateLabel
	s := f.summary
	s.DateLabel = dateLabel
	return s
}

type workflowFixture struct {
	wf     *Workflow
	coord  *fakeSubmitter
	reader *fakeAuditReader
	loader *fakeLoader
}

func newWorkflowFixture(t *testing.T) *workflowFixture {
	t.Helper()
	loader := sampleLoader()
	loader.products = []domain.CatalogEntry{
		{ID: "p-1", Name: "Помидор", Unit: "кг"},
		{ID: "p-2", Name: "Помидор свежий", Unit: "кг"},
		{ID: "p-3", Name: "Огурец", Unit: "кг"},
	}
	catalog := NewCatalogCache(loader, discardLogger())
	require.True(t, catalog.Refresh(context.Background()))

	coord := &fakeSubmitter{}
	reader := &fakeAuditReader{}
	wf, err := NewWorkflow(catalog, coord, reader, &fakeSummarizer{}, time.UTC, discardLogger())
	require.NoError(t, err)
	wf.now = func() time.Time { return time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC) }
	return &workflowFixture{wf: wf, coord: coord, reader: reader, loader: loader}
}

func (f *workflowFixture) command(t *testing.T, user, cmd string) domain.Action {
	t.Helper()
	a, err := f.wf.Handle(context.Background(), domain.Event{UserID: user, Kind: domain.EventCommand, Payload: cmd})
	require.NoError(t, err)
	return a
}

func (f *workflowFixture) selection(t *testing.T, user, payload string) domain.Action {
	t.Helper()
	a, err := f.wf.Handle(context.Background(), domain.Event{UserID: user, Kind: domain.EventSelection, Payload: payload})
	require.NoError(t, err)
	return a
}

func (f *workflowFixture) text(t *testing.T, user, payload string) domain.Action {
	t.Helper()
	a, err := f.wf.Handle(context.Background(), domain.Event{UserID: user, Kind: domain.EventText, Payload: payload})
	require.NoError(t, err)
	return a
}

func (f *workflowFixture) state(user string) domain.ConversationState {
	e := f.wf.states.acquire(user)
	defer e.release()
	return e.state
}

func optionValues(a domain.Action) []string {
	vals := make([]string, 0, len(a.Options))
	for _, o := range a.Options {
		vals = append(vals, o.Value)
	}
	return vals
}

func TestWorkflowHandle_EmptyUser(t *testing.T) {
	f := newWorkflowFixture(t)
	_, err := f.wf.Handle(context.Background(), domain.Event{Kind: domain.EventCommand, Payload: "start"})
	var uerr *Error
	require.ErrorAs(t, err, &uerr)
	require.Equal(t, ErrorInvalidInput, uerr.Code)
}

func TestWorkflowWriteoff_FullFlow(t *testing.T) {
	f := newWorkflowFixture(t)
	f.coord.out = SubmitOutcome{
		Success:   true,
		Kind:      domain.OpWriteoff,
		DocNumber: "W-42",
		Submitted: []domain.ParsedItem{{Name: "помидор", Amount: 5, Unit: "кг", ProductID: "p-1"}},
	}

	a := f.command(t, "u1", "/writeoff")
	require.Contains(t, a.Message, "Выбери склад")
	require.Contains(t, optionValues(a), "store:st-1")
	require.Contains(t, optionValues(a), "cancel")

	a = f.selection(t, "u1", "store:st-1")
	require.Contains(t, a.Message, "расходный счёт")
	require.Contains(t, optionValues(a), "account:acc-1")

	a = f.selection(t, "u1", "account:acc-1")
	require.Contains(t, a.Message, "Склад: Основной склад")
	require.Contains(t, a.Message, "Счёт: Порча")
	require.Contains(t, a.Message, "список позиций")

	a = f.text(t, "u1", "помидор 5 кг; ананас 2 кг")
	require.Contains(t, a.Message, "Добавлено")
	require.Contains(t, a.Message, "Не найдены в номенклатуре")
	require.Contains(t, optionValues(a), "done")

	st := f.state("u1")
	require.Equal(t, domain.StepCollectItems, st.Step)
	require.Len(t, st.Items, 2)
	require.Equal(t, "p-1", st.Items[0].ProductID)
	require.Empty(t, st.Items[1].ProductID)

	a = f.selection(t, "u1", "done")
	require.Contains(t, a.Message, "Подтвердить списание?")
	require.Contains(t, a.Message, "⚠️")

	a = f.selection(t, "u1", "confirm")
	require.Contains(t, a.Message, "Акт списания создан!")
	require.Contains(t, a.Message, "W-42")
	require.Contains(t, optionValues(a), "process")

	require.Len(t, f.coord.submitted, 1)
	sent := f.coord.submitted[0]
	require.Equal(t, "st-1", sent.StoreID)
	require.Equal(t, "acc-1", sent.AccountID)
	require.Equal(t, domain.OpWriteoff, sent.Kind)
	require.Equal(t, "помидор 5 кг; ананас 2 кг", sent.RawText)

	// State is back to idle after a settled submission.
	require.Equal(t, domain.StepIdle, f.state("u1").Step)
}

func TestWorkflowWriteoff_SkipsAccountStepWhenNoneLoaded(t *testing.T) {
	f := newWorkflowFixture(t)
	f.loader.accounts = nil
	require.True(t, f.wf.catalog.Refresh(context.Background()))

	f.command(t, "u1", "writeoff")
	a := f.selection(t, "u1", "store:st-1")
	require.Contains(t, a.Message, "список позиций")
	require.Equal(t, domain.StepCollectItems, f.state("u1").Step)
	require.Empty(t, f.state("u1").AccountID)
	require.Equal(t, "Не указан", f.state("u1").AccountName)

	f.coord.out = SubmitOutcome{Success: true, Kind: domain.OpWriteoff, DocNumber: "W-7"}
	f.text(t, "u1", "помидор 1 кг")
	f.selection(t, "u1", "done")
	f.selection(t, "u1", "confirm")
	require.Len(t, f.coord.submitted, 1)
	require.Equal(t, "Не указан", f.coord.submitted[0].AccountName)
}

func TestWorkflowTransfer_DestinationExcludesSource(t *testing.T) {
	f := newWorkflowFixture(t)
	f.coord.out = SubmitOutcome{Success: true, Kind: domain.OpTransfer, DocNumber: "T-1"}

	f.command(t, "u1", "transfer")
	a := f.selection(t, "u1", "store:st-1")
	require.Contains(t, a.Message, "куда перемещаем")
	require.NotContains(t, optionValues(a), "store_to:st-1")
	require.Contains(t, optionValues(a), "store_to:st-2")

	a = f.selection(t, "u1", "store_to:st-2")
	require.Contains(t, a.Message, "Куда: Бар")

	f.text(t, "u1", "помидор 2 кг")
	a = f.selection(t, "u1", "done")
	require.Contains(t, a.Message, "Подтвердить перемещение?")

	a = f.selection(t, "u1", "confirm")
	require.Contains(t, a.Message, "Документ перемещения создан!")
	// Processing applies to writeoffs only.
	require.NotContains(t, optionValues(a), "process")

	sent := f.coord.submitted[0]
	require.Equal(t, domain.OpTransfer, sent.Kind)
	require.Equal(t, "st-1", sent.StoreID)
	require.Equal(t, "st-2", sent.StoreToID)
}

func TestWorkflowCollect_SearchSubLoop(t *testing.T) {
	f := newWorkflowFixture(t)
	f.command(t, "u1", "writeoff")
	f.selection(t, "u1", "store:st-1")
	f.selection(t, "u1", "account:acc-1")

	// A single segment without a quantity becomes a catalog search.
	a := f.text(t, "u1", "помидор")
	require.Contains(t, a.Message, "Выбери товар")
	require.Contains(t, optionValues(a), "product:p-1")
	require.Equal(t, domain.StepAwaitQuantity, f.state("u1").Step)

	a = f.selection(t, "u1", "product:p-2")
	require.Contains(t, a.Message, "Помидор свежий")
	require.Contains(t, a.Message, "количество")

	// Invalid quantity re-prompts without leaving the step.
	a = f.text(t, "u1", "-3")
	require.Contains(t, a.Message, "положительное число")
	require.Equal(t, domain.StepAwaitQuantity, f.state("u1").Step)

	a = f.text(t, "u1", "2,5")
	require.Contains(t, a.Message, "Добавлено")

	st := f.state("u1")
	require.Equal(t, domain.StepCollectItems, st.Step)
	require.Len(t, st.Items, 1)
	require.Equal(t, domain.ParsedItem{
		Name:        "Помидор свежий",
		Amount:      2.5,
		Unit:        "кг",
		ProductID:   "p-2",
		MatchedName: "Помидор свежий",
	}, st.Items[0])
}

func TestWorkflowCollect_SearchMiss(t *testing.T) {
	f := newWorkflowFixture(t)
	f.command(t, "u1", "writeoff")
	f.selection(t, "u1", "store:st-1")
	f.selection(t, "u1", "account:acc-1")

	a := f.text(t, "u1", "ананас")
	require.Contains(t, a.Message, "Ничего не найдено")
	require.Equal(t, domain.StepCollectItems, f.state("u1").Step)
}

func TestWorkflowDone_EmptyListRejected(t *testing.T) {
	f := newWorkflowFixture(t)
	f.command(t, "u1", "writeoff")
	f.selection(t, "u1", "store:st-1")
	f.selection(t, "u1", "account:acc-1")

	a := f.selection(t, "u1", "done")
	require.Contains(t, a.Message, "Список пуст")
	require.Equal(t, domain.StepCollectItems, f.state("u1").Step)
}

func TestWorkflowEdit_ClearsItems(t *testing.T) {
	f := newWorkflowFixture(t)
	f.command(t, "u1", "writeoff")
	f.selection(t, "u1", "store:st-1")
	f.selection(t, "u1", "account:acc-1")
	f.text(t, "u1", "помидор 5 кг")
	f.selection(t, "u1", "done")

	a := f.selection(t, "u1", "edit")
	require.Contains(t, a.Message, "список позиций")

	st := f.state("u1")
	require.Equal(t, domain.StepCollectItems, st.Step)
	require.Empty(t, st.Items)
	require.Empty(t, st.RawText)
	// Store and account selections survive the edit.
	require.Equal(t, "st-1", st.StoreID)
	require.Equal(t, "acc-1", st.AccountID)
}

func TestWorkflowCancel_FromAnyStep(t *testing.T) {
	f := newWorkflowFixture(t)
	f.command(t, "u1", "writeoff")
	f.selection(t, "u1", "store:st-1")

	a := f.selection(t, "u1", "cancel")
	require.Contains(t, a.Message, "отменено")
	require.Equal(t, domain.StepIdle, f.state("u1").Step)
	require.Empty(t, f.state("u1").StoreID)

	// Cancel mid-collection throws away the accumulated items.
	f.command(t, "u1", "writeoff")
	f.selection(t, "u1", "store:st-1")
	f.selection(t, "u1", "account:acc-1")
	f.text(t, "u1", "помидор 5 кг")
	require.NotEmpty(t, f.state("u1").Items)

	f.selection(t, "u1", "cancel")
	require.Equal(t, domain.StepIdle, f.state("u1").Step)
	require.Empty(t, f.state("u1").Items)
	require.Empty(t, f.state("u1").RawText)

	// Same from the confirmation screen: nothing reaches the coordinator.
	f.command(t, "u1", "writeoff")
	f.selection(t, "u1", "store:st-1")
	f.selection(t, "u1", "account:acc-1")
	f.text(t, "u1", "помидор 5 кг")
	f.selection(t, "u1", "done")
	require.Equal(t, domain.StepConfirm, f.state("u1").Step)

	f.selection(t, "u1", "cancel")
	require.Equal(t, domain.StepIdle, f.state("u1").Step)
	require.Empty(t, f.state("u1").Items)
	require.Empty(t, f.coord.submitted)
}

func TestWorkflowUndefinedPair_GuidanceNoStateChange(t *testing.T) {
	f := newWorkflowFixture(t)
	f.command(t, "u1", "writeoff")

	before := f.state("u1")
	a := f.selection(t, "u1", "confirm")
	require.Contains(t, a.Message, "Выбери вариант из списка")
	require.Equal(t, before, f.state("u1"))

	// Free text during store selection is equally out of place.
	f.text(t, "u1", "помидор 5 кг")
	require.Equal(t, before, f.state("u1"))
}

func TestWorkflowConfirm_TransportErrorKeepsState(t *testing.T) {
	f := newWorkflowFixture(t)
	f.coord.err = newError(ErrorTransport, "erp_transport_error", nil)

	f.command(t, "u1", "writeoff")
	f.selection(t, "u1", "store:st-1")
	f.selection(t, "u1", "account:acc-1")
	f.text(t, "u1", "помидор 5 кг")
	f.selection(t, "u1", "done")

	a := f.selection(t, "u1", "confirm")
	require.Contains(t, a.Message, "Не удалось связаться")
	require.Contains(t, optionValues(a), "confirm")

	// Same state, so a second confirm replays the submission.
	require.Equal(t, domain.StepConfirm, f.state("u1").Step)
	f.coord.err = nil
	f.coord.out = SubmitOutcome{Success: true, Kind: domain.OpWriteoff, DocNumber: "W-1"}
	a = f.selection(t, "u1", "confirm")
	require.Contains(t, a.Message, "создан")
	require.Len(t, f.coord.submitted, 2)
}

func TestWorkflowConfirm_NothingResolvedKeepsStateForEdit(t *testing.T) {
	f := newWorkflowFixture(t)
	f.coord.err = newError(ErrorInvalidInput, "no_items_resolved", nil)

	f.command(t, "u1", "writeoff")
	f.selection(t, "u1", "store:st-1")
	f.selection(t, "u1", "account:acc-1")
	f.text(t, "u1", "ананас 2 кг")
	f.selection(t, "u1", "done")

	a := f.selection(t, "u1", "confirm")
	require.Contains(t, a.Message, "Ни один товар не найден")
	require.Contains(t, optionValues(a), "edit")
	require.Equal(t, domain.StepConfirm, f.state("u1").Step)
}

func TestWorkflowConfirm_RejectionOffersRetry(t *testing.T) {
	f := newWorkflowFixture(t)
	f.coord.out = SubmitOutcome{
		Kind:      domain.OpWriteoff,
		ErrorText: "недостаточно остатков",
		Retryable: true,
	}

	f.command(t, "u1", "writeoff")
	f.selection(t, "u1", "store:st-1")
	f.selection(t, "u1", "account:acc-1")
	f.text(t, "u1", "помидор 5 кг")
	f.selection(t, "u1", "done")

	a := f.selection(t, "u1", "confirm")
	require.Contains(t, a.Message, "недостаточно остатков")
	require.Contains(t, optionValues(a), "retry")
	require.Equal(t, domain.StepIdle, f.state("u1").Step)

	// Retry goes through the coordinator's pending replay.
	f.coord.out = SubmitOutcome{Success: true, Kind: domain.OpWriteoff, DocNumber: "W-9"}
	a = f.selection(t, "u1", "retry")
	require.Contains(t, a.Message, "W-9")
	require.Equal(t, 1, f.coord.retryCalls)
	require.Len(t, f.coord.submitted, 1)
}

func TestWorkflowProcess_AfterSuccess(t *testing.T) {
	f := newWorkflowFixture(t)
	f.coord.out = SubmitOutcome{Success: true, Kind: domain.OpWriteoff, DocID: "doc-1", DocNumber: "W-42"}

	a := f.selection(t, "u1", "process")
	require.Contains(t, a.Message, "проведён")
	require.Equal(t, 1, f.coord.processCalls)
}

func TestWorkflowHistory(t *testing.T) {
	f := newWorkflowFixture(t)
	f.reader.byUser = []domain.AuditRecord{{
		Timestamp: "31.08.2026 12:00:00",
		Kind:      domain.OpWriteoff,
		StoreName: "Основной склад",
		RawText:   "помидор 5 кг",
		DocNumber: "W-42",
		Status:    domain.StatusOK,
	}}

	a := f.command(t, "u1", "history")
	require.Contains(t, a.Message, "✅")
	require.Contains(t, a.Message, "Основной склад")
	require.Contains(t, a.Message, "W-42")
	require.Equal(t, "u1", f.reader.gotUserID)
	require.Equal(t, historyLimit, f.reader.gotLimit)
}

func TestWorkflowHistory_Empty(t *testing.T) {
	f := newWorkflowFixture(t)
	a := f.command(t, "u1", "history")
	require.Contains(t, a.Message, "пока нет операций")
}

func TestWorkflowReport_UsesTodayLabel(t *testing.T) {
	f := newWorkflowFixture(t)
	sum := &fakeSummarizer{summary: Summary{Total: 3, ByStatus: map[string]int{domain.StatusOK: 3}}}
	f.wf.reporter = sum

	a := f.command(t, "u1", "report")
	require.Equal(t, "31.08.2026", sum.gotLabel)
	require.Contains(t, a.Message, "Всего операций: 3")
}

func TestWorkflowRefresh(t *testing.T) {
	f := newWorkflowFixture(t)
	a := f.command(t, "u1", "refresh")
	require.Contains(t, a.Message, "Складов: 2")
	require.Contains(t, a.Message, "Товаров: 3")

	f.loader.storesErr = context.DeadlineExceeded
	a = f.command(t, "u1", "refresh")
	require.Contains(t, a.Message, "Ошибка обновления")
}

func TestWorkflowBegin_CatalogUnavailable(t *testing.T) {
	loader := &fakeLoader{storesErr: context.DeadlineExceeded}
	catalog := NewCatalogCache(loader, discardLogger())
	wf, err := NewWorkflow(catalog, &fakeSubmitter{}, &fakeAuditReader{}, &fakeSummarizer{}, time.UTC, discardLogger())
	require.NoError(t, err)

	a, err := wf.Handle(context.Background(), domain.Event{UserID: "u1", Kind: domain.EventCommand, Payload: "writeoff"})
	require.NoError(t, err)
	require.Contains(t, a.Message, "Не удалось загрузить склады")
}

func TestWorkflowIsolation_BetweenUsers(t *testing.T) {
	f := newWorkflowFixture(t)
	f.command(t, "u1", "writeoff")
	f.selection(t, "u1", "store:st-1")

	f.command(t, "u2", "writeoff")
	f.selection(t, "u2", "store:st-2")

	require.Equal(t, "st-1", f.state("u1").StoreID)
	require.Equal(t, "st-2", f.state("u2").StoreID)
}
