package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/devrev/metastore/internal/errors"
	"github.com/devrev/metastore/internal/middleware"
	"github.com/devrev/metastore/internal/model"
	"github.com/devrev/metastore/internal/service"
	"github.com/devrev/metastore/internal/store"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"
	"google.golang.org/protobuf/types/known/structpb"
)

const testTenant = "acme"

func newTestRouter(t *testing.T) http.Handler {
	ctx := context.Background()
	backend, err := store.NewMemoryMetadataStore(zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(backend.Close)
	require.NoError(t, backend.RegisterTenant(ctx, testTenant, ""))

	tenants := service.NewTenantService(backend, nil, zap.NewNop())
	require.NoError(t, tenants.Startup(ctx))

	svc := service.NewMetadataService(backend, tenants, service.Options{}, zap.NewNop())
	router := mux.NewRouter()
	NewHandlers(svc, 1<<20, zap.NewNop()).RegisterRoutes(router)
	return middleware.RequestID(router)
}

func testTag(t *testing.T, id uuid.UUID, objectType model.ObjectType, version, tagVersion int) *model.Tag {
	payload, err := structpb.NewStruct(map[string]interface{}{"path": "s3://bucket/" + id.String()})
	require.NoError(t, err)
	def, err := anypb.New(payload)
	require.NoError(t, err)

	return &model.Tag{
		Header: model.TagHeader{
			ObjectType:    objectType,
			ObjectID:      id,
			ObjectVersion: version,
			TagVersion:    tagVersion,
		},
		Definition: def,
		Attrs:      map[string]model.Value{"rows": model.IntegerValue(42)},
	}
}

func do(t *testing.T, router http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(method, path, reader))
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	assert.NotEmpty(t, resp.RequestID)
	return resp
}

func TestWriteAndReadRoutes(t *testing.T) {
	router := newTestRouter(t)
	base := "/v1/tenants/" + testTenant
	id := uuid.New()
	tag := testTag(t, id, model.ObjectTypeData, 1, 1)

	rec := do(t, router, http.MethodPost, base+"/objects", TagsRequest{Tags: []*model.Tag{tag}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, router, http.MethodPost, base+"/versions",
		TagsRequest{Tags: []*model.Tag{testTag(t, id, model.ObjectTypeData, 2, 1)}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, router, http.MethodPost, base+"/tags",
		TagsRequest{Tags: []*model.Tag{testTag(t, id, model.ObjectTypeData, 2, 2)}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	t.Run("explicit tag", func(t *testing.T) {
		rec := do(t, router, http.MethodGet, fmt.Sprintf("%s/objects/%s/versions/1/tags/1", base, id), nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var resp TagResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, 1, resp.Tag.Header.ObjectVersion)
		assert.True(t, proto.Equal(tag.Definition, resp.Tag.Definition))
		assert.Equal(t, int64(42), resp.Tag.Attrs["rows"].Integer)
	})

	t.Run("latest tag", func(t *testing.T) {
		rec := do(t, router, http.MethodGet, fmt.Sprintf("%s/objects/%s/versions/2/tags/latest", base, id), nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var resp TagResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, 2, resp.Tag.Header.TagVersion)
	})

	t.Run("latest version", func(t *testing.T) {
		rec := do(t, router, http.MethodGet, fmt.Sprintf("%s/objects/%s/latest", base, id), nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var resp TagResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, 2, resp.Tag.Header.ObjectVersion)
		assert.Equal(t, 2, resp.Tag.Header.TagVersion)
	})

	t.Run("batch read", func(t *testing.T) {
		rec := do(t, router, http.MethodPost, base+"/objects/read", SelectorsRequest{Selectors: []model.TagSelector{
			model.SelectTag(id, 2, 1),
			model.SelectTag(id, 1, 1),
		}})
		require.Equal(t, http.StatusOK, rec.Code)

		var resp TagsResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.Len(t, resp.Tags, 2)
		assert.Equal(t, 2, resp.Tags[0].Header.ObjectVersion)
		assert.Equal(t, 1, resp.Tags[1].Header.ObjectVersion)
	})
}

func TestPreallocationRoutes(t *testing.T) {
	router := newTestRouter(t)
	base := "/v1/tenants/" + testTenant
	id := uuid.New()

	rec := do(t, router, http.MethodPost, base+"/preallocate",
		PreallocateRequest{ObjectType: "job", ObjectIDs: []uuid.UUID{id}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, router, http.MethodPost, base+"/preallocated",
		TagsRequest{Tags: []*model.Tag{testTag(t, id, model.ObjectTypeModel, 1, 1)}})
	assert.Equal(t, http.StatusPreconditionFailed, rec.Code)
	assert.Equal(t, "WRONG_OBJECT_TYPE", decodeError(t, rec).ErrorCode)

	rec = do(t, router, http.MethodPost, base+"/preallocated",
		TagsRequest{Tags: []*model.Tag{testTag(t, id, model.ObjectTypeJob, 1, 1)}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, router, http.MethodPost, base+"/preallocated",
		TagsRequest{Tags: []*model.Tag{testTag(t, id, model.ObjectTypeJob, 1, 1)}})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "ALREADY_MATERIALIZED", decodeError(t, rec).ErrorCode)

	rec = do(t, router, http.MethodPost, base+"/preallocate",
		PreallocateRequest{ObjectType: "spaceship", ObjectIDs: []uuid.UUID{uuid.New()}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestErrorResponses(t *testing.T) {
	router := newTestRouter(t)
	id := uuid.New()
	require.Equal(t, http.StatusOK, do(t, router, http.MethodPost, "/v1/tenants/acme/objects",
		TagsRequest{Tags: []*model.Tag{testTag(t, id, model.ObjectTypeData, 1, 1)}}).Code)

	tests := []struct {
		name     string
		method   string
		path     string
		body     interface{}
		wantCode int
		wantErr  string
	}{
		{
			name:     "duplicate object",
			method:   http.MethodPost,
			path:     "/v1/tenants/acme/objects",
			body:     TagsRequest{Tags: []*model.Tag{testTag(t, id, model.ObjectTypeData, 1, 1)}},
			wantCode: http.StatusConflict,
			wantErr:  "DUPLICATE_OBJECT",
		},
		{
			name:     "version gap",
			method:   http.MethodPost,
			path:     "/v1/tenants/acme/versions",
			body:     TagsRequest{Tags: []*model.Tag{testTag(t, id, model.ObjectTypeData, 5, 1)}},
			wantCode: http.StatusConflict,
			wantErr:  "VERSION_CONFLICT",
		},
		{
			name:     "unknown tenant",
			method:   http.MethodGet,
			path:     fmt.Sprintf("/v1/tenants/initech/objects/%s/latest", id),
			wantCode: http.StatusNotFound,
			wantErr:  "UNKNOWN_TENANT",
		},
		{
			name:     "missing object",
			method:   http.MethodGet,
			path:     fmt.Sprintf("/v1/tenants/acme/objects/%s/latest", uuid.New()),
			wantCode: http.StatusNotFound,
			wantErr:  "NOT_FOUND",
		},
		{
			name:     "bad object id",
			method:   http.MethodGet,
			path:     "/v1/tenants/acme/objects/not-a-uuid/latest",
			wantCode: http.StatusBadRequest,
			wantErr:  "INVALID_ARGUMENT",
		},
		{
			name:     "bad version",
			method:   http.MethodGet,
			path:     fmt.Sprintf("/v1/tenants/acme/objects/%s/versions/first/tags/latest", id),
			wantCode: http.StatusBadRequest,
			wantErr:  "INVALID_ARGUMENT",
		},
		{
			name:     "unknown body field",
			method:   http.MethodPost,
			path:     "/v1/tenants/acme/objects/read",
			body:     map[string]string{"selector": "x"},
			wantCode: http.StatusBadRequest,
			wantErr:  "INVALID_ARGUMENT",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, router, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.wantCode, rec.Code, rec.Body.String())
			assert.Equal(t, tt.wantErr, decodeError(t, rec).ErrorCode)
		})
	}
}

func TestBodyLimit(t *testing.T) {
	router := newTestRouter(t)
	body := `{"tags":[` + strings.Repeat(" ", 2<<20) + `]}`

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/tenants/acme/objects", strings.NewReader(body)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, http.StatusOK},
		{errors.InvalidArgument("bad", nil), http.StatusBadRequest},
		{errors.WrongObjectType(uuid.New(), "DATA", "MODEL"), http.StatusPreconditionFailed},
		{errors.NotFound("missing"), http.StatusNotFound},
		{errors.UnknownTenant("x"), http.StatusNotFound},
		{errors.NotPreallocated(uuid.New()), http.StatusNotFound},
		{errors.DuplicateObject("dup", nil), http.StatusConflict},
		{errors.VersionConflict("race", nil), http.StatusConflict},
		{errors.AlreadyMaterialized(uuid.New()), http.StatusConflict},
		{errors.Unavailable("down", nil), http.StatusServiceUnavailable},
		{errors.Timeout("slow", nil), http.StatusGatewayTimeout},
		{errors.InternalError("bug", nil), http.StatusInternalServerError},
		{errors.StartupFailed("boot", nil), http.StatusInternalServerError},
		{fmt.Errorf("plain"), http.StatusInternalServerError},
		{fmt.Errorf("batch: %w", errors.AlreadyMaterialized(uuid.New())), http.StatusConflict},
		{fmt.Errorf("batch: %w", errors.WrongObjectType(uuid.New(), "DATA", "MODEL")), http.StatusPreconditionFailed},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, HTTPStatus(tt.err), "error: %v", tt.err)
	}
}
