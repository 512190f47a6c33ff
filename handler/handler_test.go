package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/require"

	"writeoff-bot/internal/domain"
	"writeoff-bot/internal/usecase"
)

type stubWorkflow struct {
	action domain.Action
	err    error
	got    domain.Event
}

func (s *stubWorkflow) Handle(_ context.Context, ev domain.Event) (domain.Action, error) {
	s.got = ev
	return s.action, s.err
}

func makeRequest(body string) events.APIGatewayProxyRequest {
	return events.APIGatewayProxyRequest{
		HTTPMethod: http.MethodPost,
		Path:       "/events",
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       body,
	}
}

func parseBody[T any](t *testing.T, body string) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal([]byte(body), &v))
	return v
}

func TestNewHandler_ValidatesDependency(t *testing.T) {
	_, err := NewHandler(nil)
	require.Error(t, err)
}

func TestHandle_HappyPath(t *testing.T) {
	wf := &stubWorkflow{action: domain.Action{
		Message: "Выбери склад (откуда списываем):",
		Options: []domain.Option{{Label: "Основной склад", Value: "store:st-1"}},
	}}
	h, err := NewHandler(wf)
	require.NoError(t, err)

	resp, err := h.Handle(context.Background(), makeRequest(`{"userId":"u1","kind":"command","payload":"/writeoff"}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, domain.Event{UserID: "u1", Kind: domain.EventCommand, Payload: "/writeoff"}, wf.got)

	out := parseBody[domain.Action](t, resp.Body)
	require.Equal(t, wf.action, out)
	require.NotEmpty(t, resp.Headers["X-Correlation-Id"])
}

func TestHandle_InvalidBody(t *testing.T) {
	h, err := NewHandler(&stubWorkflow{})
	require.NoError(t, err)

	resp, err := h.Handle(context.Background(), makeRequest(`not-json`))
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	out := parseBody[errorResponse](t, resp.Body)
	require.Equal(t, string(usecase.ErrorInvalidInput), out.Error)
	require.Equal(t, "malformed_body", out.Reason)
}

func TestHandle_MapsUseCaseErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{name: "invalid input", err: &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "empty_user_id"}, status: http.StatusBadRequest, code: string(usecase.ErrorInvalidInput)},
		{name: "auth", err: &usecase.Error{Code: usecase.ErrorAuth, Reason: "erp_auth_failed"}, status: http.StatusBadGateway, code: string(usecase.ErrorAuth)},
		{name: "catalog", err: &usecase.Error{Code: usecase.ErrorCatalog, Reason: "stores_unavailable"}, status: http.StatusBadGateway, code: string(usecase.ErrorCatalog)},
		{name: "submission", err: &usecase.Error{Code: usecase.ErrorSubmission, Reason: "document_rejected"}, status: http.StatusBadGateway, code: string(usecase.ErrorSubmission)},
		{name: "transport", err: &usecase.Error{Code: usecase.ErrorTransport, Reason: "erp_transport_error"}, status: http.StatusBadGateway, code: string(usecase.ErrorTransport)},
		{name: "internal", err: &usecase.Error{Code: usecase.ErrorInternal, Reason: "audit_append_error"}, status: http.StatusInternalServerError, code: string(usecase.ErrorInternal)},
		{name: "unexpected", err: errors.New("boom"), status: http.StatusInternalServerError, code: string(usecase.ErrorInternal)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h, err := NewHandler(&stubWorkflow{err: tc.err})
			require.NoError(t, err)

			resp, err := h.Handle(context.Background(), makeRequest(`{"userId":"u1","kind":"command","payload":"/start"}`))
			require.NoError(t, err)
			require.Equal(t, tc.status, resp.StatusCode)

			out := parseBody[errorResponse](t, resp.Body)
			require.Equal(t, tc.code, out.Error)
		})
	}
}

func TestHandle_UsesProvidedCorrelationID_CaseInsensitive(t *testing.T) {
	h, err := NewHandler(&stubWorkflow{action: domain.Action{Message: "ok"}})
	require.NoError(t, err)

	req := makeRequest(`{"userId":"u1","kind":"command","payload":"/start"}`)
	req.Headers["x-correlation-id"] = "corr-123"
	resp, err := h.Handle(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, "corr-123", resp.Headers["X-Correlation-Id"])
}
