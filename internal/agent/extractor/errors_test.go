package extractor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/textract/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/feichai0017/chunk-extractor/config"
	"github.com/feichai0017/chunk-extractor/internal/models"
	"github.com/feichai0017/chunk-extractor/internal/service/extraction"
	"github.com/feichai0017/chunk-extractor/pkg/logger"
)

func statusOf(t *testing.T, err error) int {
	t.Helper()
	var svcErr *extraction.ServiceError
	require.True(t, errors.As(serviceError(err), &svcErr), "expected a service error for %v", err)
	return svcErr.StatusCode
}

func TestServiceErrorFromGRPC(t *testing.T) {
	cases := map[codes.Code]models.ErrorKind{
		codes.ResourceExhausted: models.KindRateLimit,
		codes.Unavailable:       models.KindTransient,
		codes.Internal:          models.KindTransient,
		codes.Canceled:          models.KindTransient,
		codes.InvalidArgument:   models.KindNonRetryable,
		codes.PermissionDenied:  models.KindNonRetryable,
		codes.Unauthenticated:   models.KindNonRetryable,
		codes.Unimplemented:     models.KindNonRetryable,
	}
	for code, want := range cases {
		err := fmt.Errorf("generate: %w", status.Error(code, "boom"))
		assert.Equal(t, want, extraction.ClassifyStatus(statusOf(t, err)), code.String())
	}
}

func TestServiceErrorFromGoogleAPI(t *testing.T) {
	err := fmt.Errorf("call: %w", &googleapi.Error{Code: http.StatusTooManyRequests, Message: "quota"})
	assert.Equal(t, http.StatusTooManyRequests, statusOf(t, err))
}

func TestServiceErrorFromAWS(t *testing.T) {
	assert.Equal(t, http.StatusTooManyRequests, statusOf(t, &smithy.GenericAPIError{Code: "ThrottlingException"}))
	assert.Equal(t, http.StatusTooManyRequests, statusOf(t, &smithy.GenericAPIError{Code: "ProvisionedThroughputExceededException"}))
	assert.Equal(t, http.StatusForbidden, statusOf(t, &smithy.GenericAPIError{Code: "AccessDeniedException", Fault: smithy.FaultClient}))
	assert.Equal(t, http.StatusInternalServerError, statusOf(t, &smithy.GenericAPIError{Code: "InternalServerError", Fault: smithy.FaultServer}))
	assert.Equal(t, http.StatusBadRequest, statusOf(t, &smithy.GenericAPIError{Code: "UnsupportedDocumentException", Fault: smithy.FaultClient}))
}

func TestServiceErrorPassesThroughOthers(t *testing.T) {
	assert.Nil(t, serviceError(nil))
	assert.Same(t, context.Canceled, serviceError(context.Canceled))

	plain := errors.New("connection reset")
	assert.Same(t, plain, serviceError(plain))

	svc := &extraction.ServiceError{StatusCode: 503}
	assert.Same(t, svc, serviceError(svc))
}

func TestOllamaGenerate(t *testing.T) {
	var got ollamaRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/generate", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"response":"hello","done":true}`))
	}))
	defer srv.Close()

	o := NewOllama(config.OllamaConfig{BaseURL: srv.URL + "/", Model: "llava"}, 0.1, logger.NewNop())
	text, err := o.generate(context.Background(), "transcribe", "aW1n")
	require.NoError(t, err)
	assert.Equal(t, "hello", text)
	assert.Equal(t, "llava", got.Model)
	assert.Equal(t, []string{"aW1n"}, got.Images)
	assert.False(t, got.Stream)
}

func TestOllamaStatusBecomesServiceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model is loading", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	o := NewOllama(config.OllamaConfig{BaseURL: srv.URL, Model: "llava"}, 0, logger.NewNop())
	_, err := o.generate(context.Background(), "transcribe", "aW1n")

	var svcErr *extraction.ServiceError
	require.True(t, errors.As(err, &svcErr))
	assert.Equal(t, http.StatusServiceUnavailable, svcErr.StatusCode)
	assert.Contains(t, svcErr.Message, "model is loading")
}

func TestAnalyzeBlocks(t *testing.T) {
	word := func(id, text string) types.Block {
		return types.Block{Id: aws.String(id), BlockType: types.BlockTypeWord, Text: aws.String(text)}
	}
	child := func(ids ...string) []types.Relationship {
		return []types.Relationship{{Type: types.RelationshipTypeChild, Ids: ids}}
	}
	cell := func(id string, row, col int32, words ...string) types.Block {
		return types.Block{
			Id: aws.String(id), BlockType: types.BlockTypeCell,
			RowIndex: aws.Int32(row), ColumnIndex: aws.Int32(col),
			Relationships: child(words...),
		}
	}

	blocks := []types.Block{
		{BlockType: types.BlockTypeLine, Text: aws.String("Quarterly report"), Confidence: aws.Float32(99)},
		{BlockType: types.BlockTypeLine, Text: aws.String("Total 12"), Confidence: aws.Float32(81)},
		word("w1", "Item"), word("w2", "Qty"), word("w3", "Bolt"), word("w4", "12"),
		word("w5", "Name"), word("w6", "Ada"),
		cell("c1", 1, 1, "w1"), cell("c2", 1, 2, "w2"), cell("c3", 2, 1, "w3"), cell("c4", 2, 2, "w4"),
		{Id: aws.String("t1"), BlockType: types.BlockTypeTable, Relationships: child("c1", "c2", "c3", "c4")},
		{
			Id: aws.String("k1"), BlockType: types.BlockTypeKeyValueSet,
			EntityTypes: []types.EntityType{types.EntityTypeKey},
			Relationships: []types.Relationship{
				{Type: types.RelationshipTypeChild, Ids: []string{"w5"}},
				{Type: types.RelationshipTypeValue, Ids: []string{"v1"}},
			},
		},
		{
			Id: aws.String("v1"), BlockType: types.BlockTypeKeyValueSet,
			EntityTypes:   []types.EntityType{types.EntityTypeValue},
			Relationships: child("w6"),
		},
	}

	a := analyzeBlocks(blocks)
	assert.Equal(t, 2, a.lines)
	assert.InDelta(t, 180, a.confidenceSum, 1e-6)
	assert.Equal(t, "Quarterly report\nTotal 12\n\n| Item | Qty |\n| Bolt | 12 |\n\nName: Ada", a.text())
}
