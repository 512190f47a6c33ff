package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"writeoff-bot/internal/domain"
	"writeoff-bot/internal/usecase"
)

const correlationHeader = "X-Correlation-Id"

// EventHandler is the conversation entry point behind the HTTP surface.
type EventHandler interface {
	Handle(ctx context.Context, ev domain.Event) (domain.Action, error)
}

type Handler struct {
	workflow EventHandler
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

func NewHandler(workflow EventHandler) (*Handler, error) {
	if workflow == nil {
		return nil, errors.New("handler: workflow must not be nil")
	}
	return &Handler{workflow: workflow}, nil
}

// Handle decodes one front-end event from the request body, dispatches it
// and serializes the reply Action. Transport glue only; every conversation
// rule lives in the usecase layer.
func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	corrID := correlationID(req.Headers)

	var ev domain.Event
	if err := json.Unmarshal([]byte(req.Body), &ev); err != nil {
		return jsonResponse(http.StatusBadRequest, corrID, errorResponse{
			Error:  string(usecase.ErrorInvalidInput),
			Reason: "malformed_body",
		}), nil
	}

	action, err := h.workflow.Handle(ctx, ev)
	if err != nil {
		status, code, reason := mapError(err)
		return jsonResponse(status, corrID, errorResponse{Error: code, Reason: reason}), nil
	}

	return jsonResponse(http.StatusOK, corrID, action), nil
}

func mapError(err error) (status int, code, reason string) {
	var uerr *usecase.Error
	if !errors.As(err, &uerr) {
		return http.StatusInternalServerError, string(usecase.ErrorInternal), ""
	}
	switch uerr.Code {
	case usecase.ErrorInvalidInput:
		return http.StatusBadRequest, string(uerr.Code), uerr.Reason
	case usecase.ErrorAuth, usecase.ErrorCatalog, usecase.ErrorSubmission, usecase.ErrorTransport:
		return http.StatusBadGateway, string(uerr.Code), uerr.Reason
	default:
		return http.StatusInternalServerError, string(uerr.Code), uerr.Reason
	}
}

func jsonResponse(status int, corrID string, body any) events.APIGatewayProxyResponse {
	payload, err := json.Marshal(body)
	if err != nil {
		status = http.StatusInternalServerError
		payload = []byte(`{"error":"` + string(usecase.ErrorInternal) + `"}`)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":    "application/json",
			correlationHeader: corrID,
		},
		Body: string(payload),
	}
}

func correlationID(headers map[string]string) string {
	for k, v := range headers {
		if http.CanonicalHeaderKey(k) == correlationHeader && v != "" {
			return v
		}
	}
	return uuid.NewString()
}
