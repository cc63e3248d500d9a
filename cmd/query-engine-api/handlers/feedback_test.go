package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ask-e9y/query-engine/internal/observability"
	"github.com/ask-e9y/query-engine/internal/storage"
)

type fakeFeedbackHistory struct {
	errByID  map[uuid.UUID]error
	attached []uuid.UUID
	lastText string
}

func (f *fakeFeedbackHistory) AttachFeedback(ctx context.Context, queryID uuid.UUID, feedback, correctedSQL *string) error {
	if err, ok := f.errByID[queryID]; ok {
		return err
	}
	f.attached = append(f.attached, queryID)
	if feedback != nil {
		f.lastText = *feedback
	}
	return nil
}

type fakeFeedbackMappings struct {
	resolveTo  uuid.UUID
	resolveErr error
}

func (f *fakeFeedbackMappings) Resolve(ctx context.Context, newQueryID uuid.UUID) (uuid.UUID, error) {
	if f.resolveErr != nil {
		return uuid.Nil, f.resolveErr
	}
	return f.resolveTo, nil
}

func postFeedback(t *testing.T, handler *FeedbackHandler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/feedback", strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler.Submit(rec, req)
	return rec
}

func TestFeedbackAttachesDirectly(t *testing.T) {
	queryID := uuid.New()
	history := &fakeFeedbackHistory{}
	handler := NewFeedbackHandler(observability.DefaultLogger(), history, &fakeFeedbackMappings{resolveErr: storage.ErrNotFound})

	rec := postFeedback(t, handler,
		`{"query_id":"`+queryID.String()+`","is_accurate":false,"comments":"wrong table"}`)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, history.attached, 1)
	assert.Equal(t, queryID, history.attached[0])
	assert.Equal(t, "inaccurate: wrong table", history.lastText)
}

func TestFeedbackResolvesMappedID(t *testing.T) {
	mappedID := uuid.New()
	originalID := uuid.New()
	history := &fakeFeedbackHistory{errByID: map[uuid.UUID]error{mappedID: storage.ErrNotFound}}
	mappings := &fakeFeedbackMappings{resolveTo: originalID}
	handler := NewFeedbackHandler(observability.DefaultLogger(), history, mappings)

	rec := postFeedback(t, handler,
		`{"query_id":"`+mappedID.String()+`","is_accurate":true}`)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, history.attached, 1)
	assert.Equal(t, originalID, history.attached[0])
}

func TestFeedbackUnknownIDIs404(t *testing.T) {
	queryID := uuid.New()
	history := &fakeFeedbackHistory{errByID: map[uuid.UUID]error{queryID: storage.ErrNotFound}}
	mappings := &fakeFeedbackMappings{resolveErr: storage.ErrNotFound}
	handler := NewFeedbackHandler(observability.DefaultLogger(), history, mappings)

	rec := postFeedback(t, handler,
		`{"query_id":"`+queryID.String()+`","is_accurate":true}`)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Empty(t, history.attached)
}

func TestFeedbackResolveFailureIs500(t *testing.T) {
	queryID := uuid.New()
	history := &fakeFeedbackHistory{errByID: map[uuid.UUID]error{queryID: storage.ErrNotFound}}
	mappings := &fakeFeedbackMappings{resolveErr: errors.New("connection reset")}
	handler := NewFeedbackHandler(observability.DefaultLogger(), history, mappings)

	rec := postFeedback(t, handler,
		`{"query_id":"`+queryID.String()+`","is_accurate":true}`)

	// A broken mapping lookup is a server fault, not a missing query.
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Empty(t, history.attached)
}

func TestFeedbackRequiresIsAccurate(t *testing.T) {
	handler := NewFeedbackHandler(observability.DefaultLogger(), &fakeFeedbackHistory{}, &fakeFeedbackMappings{})

	rec := postFeedback(t, handler, `{"query_id":"`+uuid.NewString()+`"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
