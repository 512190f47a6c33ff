package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"writeoff-bot/internal/domain"
)

const (
	historyLimit   = 5
	candidateLimit = 5
	storeListMax   = 10
)

// Submitter drives the journal-then-ERP submission sequence.
type Submitter interface {
	Submit(ctx context.Context, state domain.ConversationState) (SubmitOutcome, error)
	Retry(ctx context.Context, userID string) (SubmitOutcome, error)
	Process(ctx context.Context, userID string) (SubmitOutcome, error)
}

// Summarizer produces the daily aggregate for the report command.
type Summarizer interface {
	Summarize(ctx context.Context, dateLabel string) Summary
}

// stateStore keys conversation state by user and serializes all handling
// per user: two events for the same user never interleave, events for
// different users proceed concurrently.
type stateStore struct {
	mu      sync.Mutex
	entries map[string]*stateEntry
}

type stateEntry struct {
	mu    sync.Mutex
	state domain.ConversationState
}

func newStateStore() *stateStore {
	return &stateStore{entries: make(map[string]*stateEntry)}
}

// acquire returns the user's entry with its lock held. The caller must
// call release when done.
func (s *stateStore) acquire(userID string) *stateEntry {
	s.mu.Lock()
	e, ok := s.entries[userID]
	if !ok {
		e = &stateEntry{state: domain.ConversationState{UserID: userID}}
		s.entries[userID] = e
	}
	s.mu.Unlock()
	e.mu.Lock()
	return e
}

func (e *stateEntry) release() { e.mu.Unlock() }

// transitionKey addresses one cell of the conversation table: the verb is
// the command word, the selection prefix, or "#text" for free text.
type transitionKey struct {
	step domain.Step
	verb string
}

type transitionFunc func(ctx context.Context, state *domain.ConversationState, arg string) domain.Action

// Workflow is the conversation state machine. Events outside the
// transition table never mutate state; they produce a guidance reply.
type Workflow struct {
	catalog  *CatalogCache
	coord    Submitter
	audit    AuditReader
	reporter Summarizer
	log      *slog.Logger
	states   *stateStore
	loc      *time.Location
	now      func() time.Time

	table map[transitionKey]transitionFunc
}

func NewWorkflow(catalog *CatalogCache, coord Submitter, audit AuditReader, reporter Summarizer, loc *time.Location, log *slog.Logger) (*Workflow, error) {
	if catalog == nil {
		return nil, errors.New("usecase: catalog must not be nil")
	}
	if coord == nil {
		return nil, errors.New("usecase: coordinator must not be nil")
	}
	if audit == nil {
		return nil, errors.New("usecase: audit reader must not be nil")
	}
	if reporter == nil {
		return nil, errors.New("usecase: reporter must not be nil")
	}
	if loc == nil {
		loc = time.UTC
	}
	if log == nil {
		log = slog.Default()
	}
	w := &Workflow{
		catalog:  catalog,
		coord:    coord,
		audit:    audit,
		reporter: reporter,
		log:      log,
		states:   newStateStore(),
		loc:      loc,
		now:      time.Now,
	}
	w.table = map[transitionKey]transitionFunc{
		{domain.StepSelectStore, "store"}:       w.onStoreSelected,
		{domain.StepSelectAccount, "account"}:   w.onAccountSelected,
		{domain.StepSelectAccount, "store_to"}:  w.onDestinationSelected,
		{domain.StepCollectItems, "done"}:       w.onDone,
		{domain.StepCollectItems, "#text"}:      w.onItemsText,
		{domain.StepAwaitQuantity, "product"}:   w.onProductSelected,
		{domain.StepAwaitQuantity, "#text"}:     w.onQuantityText,
		{domain.StepConfirm, "confirm"}:         w.onConfirm,
		{domain.StepConfirm, "edit"}:            w.onEdit,
	}
	return w, nil
}

// Handle dispatches one front-end event and returns the reply. Handling is
// serialized per user; the returned error is always a *Error.
func (w *Workflow) Handle(ctx context.Context, ev domain.Event) (domain.Action, error) {
	userID := strings.TrimSpace(ev.UserID)
	if userID == "" {
		return domain.Action{}, newError(ErrorInvalidInput, "empty_user_id", nil)
	}

	e := w.states.acquire(userID)
	defer e.release()

	switch ev.Kind {
	case domain.EventCommand:
		return w.handleCommand(ctx, &e.state, strings.TrimPrefix(strings.TrimSpace(ev.Payload), "/")), nil
	case domain.EventSelection:
		verb, arg, _ := strings.Cut(ev.Payload, ":")
		return w.handleSelection(ctx, &e.state, verb, arg), nil
	case domain.EventText:
		return w.handleText(ctx, &e.state, ev.Payload), nil
	default:
		return domain.Action{}, newError(ErrorInvalidInput, "unknown_event_kind", nil)
	}
}

func (w *Workflow) handleCommand(ctx context.Context, state *domain.ConversationState, cmd string) domain.Action {
	switch cmd {
	case "start":
		w.reset(state)
		return domain.Action{
			Message: "Привет! Я бот для списаний и перемещений в iiko.\n\nВыбери действие:",
			Options: menuOptions(),
		}
	case "help":
		return domain.Action{Message: helpText}
	case "writeoff":
		return w.begin(ctx, state, domain.OpWriteoff)
	case "transfer":
		return w.begin(ctx, state, domain.OpTransfer)
	case "refresh":
		return w.refresh(ctx)
	case "history":
		return w.history(ctx, state.UserID)
	case "report":
		return w.report(ctx)
	default:
		return domain.Action{
			Message: "Неизвестная команда. Используй /help для справки.",
			Options: menuOptions(),
		}
	}
}

func (w *Workflow) handleSelection(ctx context.Context, state *domain.ConversationState, verb, arg string) domain.Action {
	// Global selections are valid from every step.
	switch verb {
	case "cancel":
		w.reset(state)
		return domain.Action{Message: "Действие отменено.", Options: menuOptions()}
	case "menu":
		w.reset(state)
		return domain.Action{Message: "Главное меню.\n\nВыбери действие:", Options: menuOptions()}
	case "begin":
		if arg == string(domain.OpTransfer) {
			return w.begin(ctx, state, domain.OpTransfer)
		}
		return w.begin(ctx, state, domain.OpWriteoff)
	case "show":
		if arg == "history" {
			return w.history(ctx, state.UserID)
		}
		return w.report(ctx)
	case "retry":
		return w.retry(ctx, state)
	case "process":
		return w.process(ctx, state.UserID)
	}

	if fn, ok := w.table[transitionKey{state.Step, verb}]; ok {
		return fn(ctx, state, arg)
	}
	return w.guidance(state)
}

func (w *Workflow) handleText(ctx context.Context, state *domain.ConversationState, text string) domain.Action {
	if fn, ok := w.table[transitionKey{state.Step, "#text"}]; ok {
		return fn(ctx, state, text)
	}
	return w.guidance(state)
}

// begin starts a writeoff or transfer: any in-flight conversation is
// dropped, the catalog is loaded on demand.
func (w *Workflow) begin(ctx context.Context, state *domain.ConversationState, kind domain.OperationKind) domain.Action {
	w.reset(state)

	if !w.catalog.Loaded() && !w.catalog.Refresh(ctx) {
		return domain.Action{
			Message: "Не удалось загрузить склады из iiko.\nПроверь подключение и попробуй ещё раз.",
		}
	}

	state.Kind = kind
	state.Step = domain.StepSelectStore

	prompt := "Выбери склад (откуда списываем):"
	if kind == domain.OpTransfer {
		prompt = "Выбери склад (откуда перемещаем):"
	}
	return domain.Action{
		Message: prompt,
		Options: entryOptions(w.catalog.Stores(), "store", storeListMax),
	}
}

func (w *Workflow) onStoreSelected(ctx context.Context, state *domain.ConversationState, id string) domain.Action {
	store, ok := w.catalog.StoreByID(id)
	if !ok {
		return domain.Action{
			Message: "Склад не найден. Выбери из списка:",
			Options: entryOptions(w.catalog.Stores(), "store", storeListMax),
		}
	}
	state.StoreID = store.ID
	state.StoreName = store.Name

	if state.Kind == domain.OpTransfer {
		state.Step = domain.StepSelectAccount
		return domain.Action{
			Message: "Выбери склад (куда перемещаем):",
			Options: entryOptions(otherStores(w.catalog.Stores(), store.ID), "store_to", storeListMax),
		}
	}

	accounts := w.catalog.Accounts()
	if len(accounts) == 0 {
		// No expense accounts loaded: label the row instead of leaving it blank.
		state.AccountName = "Не указан"
		state.Step = domain.StepCollectItems
		return w.collectPrompt(state)
	}
	state.Step = domain.StepSelectAccount
	return domain.Action{
		Message: "Выбери расходный счёт (причина списания):",
		Options: entryOptions(accounts, "account", 0),
	}
}

func (w *Workflow) onAccountSelected(_ context.Context, state *domain.ConversationState, id string) domain.Action {
	if state.Kind != domain.OpWriteoff {
		return w.guidance(state)
	}
	account, ok := w.catalog.AccountByID(id)
	if !ok {
		return domain.Action{
			Message: "Счёт не найден. Выбери из списка:",
			Options: entryOptions(w.catalog.Accounts(), "account", 0),
		}
	}
	state.AccountID = account.ID
	state.AccountName = account.Name
	state.Step = domain.StepCollectItems
	return w.collectPrompt(state)
}

func (w *Workflow) onDestinationSelected(_ context.Context, state *domain.ConversationState, id string) domain.Action {
	if state.Kind != domain.OpTransfer {
		return w.guidance(state)
	}
	store, ok := w.catalog.StoreByID(id)
	if !ok || store.ID == state.StoreID {
		return domain.Action{
			Message: "Выбери другой склад назначения:",
			Options: entryOptions(otherStores(w.catalog.Stores(), state.StoreID), "store_to", storeListMax),
		}
	}
	state.StoreToID = store.ID
	state.StoreToName = store.Name
	state.Step = domain.StepCollectItems
	return w.collectPrompt(state)
}

// onItemsText runs incoming text through the parser. Parsed segments are
// resolved against the catalog and appended. A single segment that does
// not parse becomes a catalog search query instead.
func (w *Workflow) onItemsText(_ context.Context, state *domain.ConversationState, text string) domain.Action {
	parsed := ParseItems(text)
	if len(parsed) == 0 {
		return domain.Action{
			Message: "Не удалось распознать позиции.\n\nИспользуй формат: название количество единица\nНапример: помидор 5 кг; огурец 3 кг",
			Options: []domain.Option{cancelOption()},
		}
	}

	if len(parsed) == 1 && parsed[0].ParseError {
		return w.searchCandidates(state, strings.TrimSpace(text))
	}

	products := w.catalog.Products()
	resolved := ResolveItems(parsed, products)
	state.Items = append(state.Items, resolved...)
	if state.RawText == "" {
		state.RawText = strings.TrimSpace(text)
	} else {
		state.RawText += "; " + strings.TrimSpace(text)
	}

	return w.collectSummary(state, resolved, len(products) > 0)
}

// searchCandidates treats an unparseable segment as a product search and
// offers the hits; picking one asks for a quantity.
func (w *Workflow) searchCandidates(state *domain.ConversationState, query string) domain.Action {
	candidates := SearchProducts(query, w.catalog.Products(), candidateLimit)
	if len(candidates) == 0 {
		return domain.Action{
			Message: "Ничего не найдено по запросу «" + query + "».\n\nИспользуй формат: название количество единица — или другой запрос.",
			Options: []domain.Option{cancelOption()},
		}
	}
	state.Step = domain.StepAwaitQuantity
	return domain.Action{
		Message: "Выбери товар:",
		Options: entryOptions(candidates, "product", candidateLimit),
	}
}

func (w *Workflow) onProductSelected(_ context.Context, state *domain.ConversationState, id string) domain.Action {
	product, ok := w.catalog.ProductByID(id)
	if !ok {
		state.Step = domain.StepCollectItems
		return w.collectPrompt(state)
	}
	state.Selected = &product
	unit := product.Unit
	if unit == "" {
		unit = DefaultUnit
	}
	return domain.Action{
		Message: "Введи количество для «" + product.Name + "» (" + unit + "):",
		Options: []domain.Option{cancelOption()},
	}
}

func (w *Workflow) onQuantityText(_ context.Context, state *domain.ConversationState, text string) domain.Action {
	if state.Selected == nil {
		state.Step = domain.StepCollectItems
		return w.collectPrompt(state)
	}
	amount, err := strconv.ParseFloat(strings.ReplaceAll(strings.TrimSpace(text), ",", "."), 64)
	if err != nil || amount <= 0 {
		return domain.Action{
			Message: "Нужно положительное число. Введи количество ещё раз:",
			Options: []domain.Option{cancelOption()},
		}
	}

	product := *state.Selected
	state.Selected = nil
	state.Step = domain.StepCollectItems
	item := domain.ParsedItem{
		Name:        product.Name,
		Amount:      amount,
		Unit:        NormalizeUnit(product.Unit, ""),
		ProductID:   product.ID,
		MatchedName: product.Name,
	}
	state.Items = append(state.Items, item)
	if state.RawText == "" {
		state.RawText = product.Name + " " + formatAmount(amount)
	} else {
		state.RawText += "; " + product.Name + " " + formatAmount(amount)
	}

	return w.collectSummary(state, []domain.ParsedItem{item}, true)
}

func (w *Workflow) onDone(_ context.Context, state *domain.ConversationState, _ string) domain.Action {
	if len(state.Items) == 0 {
		return domain.Action{
			Message: "Список пуст. Отправь хотя бы одну позицию.",
			Options: []domain.Option{cancelOption()},
		}
	}
	state.Step = domain.StepConfirm
	return w.confirmPrompt(state)
}

func (w *Workflow) onEdit(_ context.Context, state *domain.ConversationState, _ string) domain.Action {
	state.Items = nil
	state.RawText = ""
	state.Step = domain.StepCollectItems
	return w.collectPrompt(state)
}

func (w *Workflow) onConfirm(ctx context.Context, state *domain.ConversationState, _ string) domain.Action {
	out, err := w.coord.Submit(ctx, *state)
	if err != nil {
		var uerr *Error
		if errors.As(err, &uerr) {
			switch {
			case uerr.Code == ErrorTransport:
				// State is kept: the user re-confirms once the link is back.
				return domain.Action{
					Message: "Не удалось связаться с iiko. Данные сохранены в журнал со статусом NEW.\n\nПопробуй подтвердить ещё раз.",
					Options: []domain.Option{
						{Label: "Подтвердить", Value: "confirm"},
						cancelOption(),
					},
				}
			case uerr.Reason == "no_items_resolved":
				// Keep the conversation so the list can be edited.
				return domain.Action{
					Message: "Ни один товар не найден в номенклатуре iiko.\n\nПроверь названия товаров и попробуй снова.",
					Options: []domain.Option{
						{Label: "Изменить", Value: "edit"},
						{Label: "В меню", Value: "menu"},
					},
				}
			}
		}
		w.log.Error("conversation: submit failed", "user", state.UserID, "err", err)
		w.reset(state)
		return domain.Action{
			Message: "Произошла ошибка. Попробуй начать заново.",
			Options: menuOptions(),
		}
	}

	kind := state.Kind
	w.reset(state)
	if out.Success {
		return successAction(kind, out)
	}
	return rejectionAction(out)
}

func (w *Workflow) retry(ctx context.Context, state *domain.ConversationState) domain.Action {
	out, err := w.coord.Retry(ctx, state.UserID)
	if err != nil {
		var uerr *Error
		if errors.As(err, &uerr) && uerr.Code == ErrorTransport {
			return domain.Action{
				Message: "Не удалось связаться с iiko. Попробуй ещё раз.",
				Options: []domain.Option{
					{Label: "Попробовать снова", Value: "retry"},
					{Label: "В меню", Value: "menu"},
				},
			}
		}
		return domain.Action{Message: "Нечего повторять.", Options: menuOptions()}
	}
	if out.Success {
		return successAction(out.Kind, out)
	}
	return rejectionAction(out)
}

func (w *Workflow) process(ctx context.Context, userID string) domain.Action {
	out, err := w.coord.Process(ctx, userID)
	if err != nil {
		var uerr *Error
		if errors.As(err, &uerr) && uerr.Code == ErrorTransport {
			return domain.Action{
				Message: "Не удалось связаться с iiko. Попробуй ещё раз.",
				Options: []domain.Option{
					{Label: "Провести документ", Value: "process"},
					{Label: "В меню", Value: "menu"},
				},
			}
		}
		return domain.Action{Message: "Нет документа для проведения.", Options: menuOptions()}
	}
	if !out.Success {
		return domain.Action{
			Message: "Не удалось провести документ: " + out.ErrorText,
			Options: menuOptions(),
		}
	}
	return domain.Action{
		Message: "Документ " + firstNonEmpty(out.DocNumber, out.DocID) + " проведён в iiko.",
		Options: menuOptions(),
	}
}

func (w *Workflow) refresh(ctx context.Context) domain.Action {
	if !w.catalog.Refresh(ctx) {
		return domain.Action{Message: "Ошибка обновления справочников. Проверь подключение к iiko."}
	}
	return domain.Action{
		Message: "Справочники обновлены:\n" +
			"- Складов: " + strconv.Itoa(len(w.catalog.Stores())) + "\n" +
			"- Расходных счетов: " + strconv.Itoa(len(w.catalog.Accounts())) + "\n" +
			"- Товаров: " + strconv.Itoa(len(w.catalog.Products())),
	}
}

func (w *Workflow) history(ctx context.Context, userID string) domain.Action {
	rows, err := w.audit.QueryByUser(ctx, userID, historyLimit)
	if err != nil {
		w.log.Warn("conversation: history read failed", "user", userID, "err", err)
		return domain.Action{Message: "Ошибка загрузки истории.", Options: menuOptions()}
	}
	if len(rows) == 0 {
		return domain.Action{Message: "У тебя пока нет операций.", Options: menuOptions()}
	}
	return domain.Action{Message: formatHistory(rows), Options: menuOptions()}
}

func (w *Workflow) report(ctx context.Context) domain.Action {
	label := w.now().In(w.loc).Format(dateLabelFormat)
	return domain.Action{
		Message: formatSummary(w.reporter.Summarize(ctx, label)),
		Options: menuOptions(),
	}
}

func (w *Workflow) collectPrompt(state *domain.ConversationState) domain.Action {
	head := headerLines(state)
	verb := "списания"
	if state.Kind == domain.OpTransfer {
		verb = "перемещения"
	}
	return domain.Action{
		Message: head + "Отправь список позиций для " + verb + ".\n\n" +
			"Формат: помидор 5 кг; огурец 3 кг\n" +
			"Одно название без количества запустит поиск по номенклатуре.\n\n" +
			"Когда закончишь — нажми «Готово».",
		Options: []domain.Option{
			{Label: "Готово", Value: "done"},
			cancelOption(),
		},
	}
}

func (w *Workflow) collectSummary(state *domain.ConversationState, added []domain.ParsedItem, matchingEnabled bool) domain.Action {
	var b strings.Builder
	b.WriteString("Добавлено:\n" + formatItems(added, matchingEnabled))

	if errItems := filterItems(added, func(it domain.ParsedItem) bool { return it.ParseError }); len(errItems) > 0 {
		b.WriteString("\n\nНе удалось распознать:\n" + joinNames(errItems))
	}
	if unmatched := filterItems(added, func(it domain.ParsedItem) bool {
		return !it.ParseError && it.ProductID == ""
	}); len(unmatched) > 0 && matchingEnabled {
		b.WriteString("\n\nНе найдены в номенклатуре iiko:\n" + joinNames(unmatched))
	}
	b.WriteString("\n\nОтправь ещё позиции или нажми «Готово».")

	return domain.Action{
		Message: b.String(),
		Options: []domain.Option{
			{Label: "Готово", Value: "done"},
			cancelOption(),
		},
	}
}

func (w *Workflow) confirmPrompt(state *domain.ConversationState) domain.Action {
	matchingEnabled := len(w.catalog.Products()) > 0
	question := "Подтвердить списание?"
	listHead := "Позиции для списания:"
	if state.Kind == domain.OpTransfer {
		question = "Подтвердить перемещение?"
		listHead = "Позиции для перемещения:"
	}

	msg := headerLines(state) + listHead + "\n" + formatItems(state.Items, matchingEnabled)
	if unmatched := filterItems(state.Items, func(it domain.ParsedItem) bool {
		return !it.ParseError && it.ProductID == ""
	}); len(unmatched) > 0 && matchingEnabled {
		msg += "\n\n⚠️ Товары без совпадения не попадут в документ!"
	}
	msg += "\n\n" + question

	return domain.Action{
		Message: msg,
		Options: []domain.Option{
			{Label: "Подтвердить", Value: "confirm"},
			{Label: "Изменить", Value: "edit"},
			cancelOption(),
		},
	}
}

// guidance is the reply for any (step, event) pair outside the table.
func (w *Workflow) guidance(state *domain.ConversationState) domain.Action {
	switch state.Step {
	case domain.StepSelectStore, domain.StepSelectAccount:
		return domain.Action{Message: "Выбери вариант из списка выше."}
	case domain.StepCollectItems:
		return w.collectPrompt(state)
	case domain.StepAwaitQuantity:
		return domain.Action{Message: "Выбери товар из списка или введи количество."}
	case domain.StepConfirm:
		return domain.Action{Message: "Нажми «Подтвердить», «Изменить» или «Отмена»."}
	default:
		return domain.Action{
			Message: "Используй /writeoff или /transfer, чтобы начать.",
			Options: menuOptions(),
		}
	}
}

// reset returns the entry to Idle keeping only the user id.
func (w *Workflow) reset(state *domain.ConversationState) {
	*state = domain.ConversationState{UserID: state.UserID}
}

func headerLines(state *domain.ConversationState) string {
	var b strings.Builder
	b.WriteString("Склад: " + state.StoreName + "\n")
	if state.Kind == domain.OpTransfer && state.StoreToName != "" {
		b.WriteString("Куда: " + state.StoreToName + "\n")
	}
	if state.AccountName != "" {
		b.WriteString("Счёт: " + state.AccountName + "\n")
	}
	b.WriteString("\n")
	return b.String()
}

func successAction(kind domain.OperationKind, out SubmitOutcome) domain.Action {
	title := "Акт списания создан!"
	if kind == domain.OpTransfer {
		title = "Документ перемещения создан!"
	}
	msg := title + "\n\nДокумент: " + firstNonEmpty(out.DocNumber, out.DocID) +
		"\n\nОтправлено (" + strconv.Itoa(len(out.Submitted)) + "):\n" + formatItems(out.Submitted, false)
	if len(out.Skipped) > 0 {
		msg += "\n\nПропущено (не найдены в iiko):\n" + joinNames(out.Skipped)
	}

	opts := []domain.Option{}
	if kind == domain.OpWriteoff {
		opts = append(opts, domain.Option{Label: "Провести документ", Value: "process"})
	}
	opts = append(opts,
		domain.Option{Label: "Новая операция", Value: "menu"},
	)
	return domain.Action{Message: msg, Options: opts}
}

func rejectionAction(out SubmitOutcome) domain.Action {
	return domain.Action{
		Message: "Ошибка создания документа в iiko!\n\n" +
			"Ошибка: " + out.ErrorText + "\n\n" +
			"Данные сохранены в журнал.",
		Options: []domain.Option{
			{Label: "Попробовать снова", Value: "retry"},
			{Label: "В меню", Value: "menu"},
		},
	}
}

func filterItems(items []domain.ParsedItem, keep func(domain.ParsedItem) bool) []domain.ParsedItem {
	var out []domain.ParsedItem
	for _, it := range items {
		if keep(it) {
			out = append(out, it)
		}
	}
	return out
}

const helpText = "Справка по боту:\n\n" +
	"/start — главное меню\n" +
	"/writeoff — акт списания\n" +
	"/transfer — перемещение между складами\n" +
	"/history — последние операции\n" +
	"/report — отчёт за сегодня\n" +
	"/refresh — обновить справочники\n" +
	"/help — эта справка\n\n" +
	"Как использовать:\n" +
	"1. Выбери склад (и счёт для списания)\n" +
	"2. Отправь позиции: помидор 5 кг; огурец 3 кг\n" +
	"3. Нажми «Готово» и подтверди\n\n" +
	"Каждая операция сохраняется в журнал."
