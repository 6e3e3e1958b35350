// Package handler provides HTTP request handlers for the metadata service.
package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/devrev/metastore/internal/errors"
	"github.com/devrev/metastore/internal/model"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// MetadataAPI is the set of metadata operations exposed over HTTP
type MetadataAPI interface {
	SaveNewObjects(ctx context.Context, tenant string, tags []*model.Tag) error
	SaveNewVersions(ctx context.Context, tenant string, tags []*model.Tag) error
	SaveNewTags(ctx context.Context, tenant string, tags []*model.Tag) error
	PreallocateObjectIDs(ctx context.Context, tenant string, objectType model.ObjectType, ids []uuid.UUID) error
	SavePreallocatedObjects(ctx context.Context, tenant string, tags []*model.Tag) error

	LoadTag(ctx context.Context, tenant string, objectID uuid.UUID, objectVersion, tagVersion int) (*model.Tag, error)
	LoadTags(ctx context.Context, tenant string, selectors []model.TagSelector) ([]*model.Tag, error)
	LoadLatestVersion(ctx context.Context, tenant string, objectID uuid.UUID) (*model.Tag, error)
	LoadLatestTag(ctx context.Context, tenant string, objectID uuid.UUID, objectVersion int) (*model.Tag, error)
}

// TagsRequest is the body of the tag batch write routes
type TagsRequest struct {
	Tags []*model.Tag `json:"tags"`
}

// PreallocateRequest is the body of POST /preallocate
type PreallocateRequest struct {
	ObjectType string      `json:"object_type"`
	ObjectIDs  []uuid.UUID `json:"object_ids"`
}

// SelectorsRequest is the body of POST /objects/read
type SelectorsRequest struct {
	Selectors []model.TagSelector `json:"selectors"`
}

// WriteResponse acknowledges a batch write
type WriteResponse struct {
	Status string `json:"status"`
	Count  int    `json:"count"`
}

// TagResponse carries one tag
type TagResponse struct {
	Status string     `json:"status"`
	Tag    *model.Tag `json:"tag"`
}

// TagsResponse carries tags in request order
type TagsResponse struct {
	Status string       `json:"status"`
	Tags   []*model.Tag `json:"tags"`
}

// Handlers contains all HTTP handlers and their dependencies.
type Handlers struct {
	api          MetadataAPI
	logger       *zap.Logger
	maxBodyBytes int64
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(api MetadataAPI, maxBodyBytes int64, logger *zap.Logger) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handlers{
		api:          api,
		logger:       logger,
		maxBodyBytes: maxBodyBytes,
	}
}

// SaveNewObjects handles POST /v1/tenants/{tenant}/objects
func (h *Handlers) SaveNewObjects(w http.ResponseWriter, r *http.Request) {
	h.writeTags(w, r, h.api.SaveNewObjects)
}

// SaveNewVersions handles POST /v1/tenants/{tenant}/versions
func (h *Handlers) SaveNewVersions(w http.ResponseWriter, r *http.Request) {
	h.writeTags(w, r, h.api.SaveNewVersions)
}

// SaveNewTags handles POST /v1/tenants/{tenant}/tags
func (h *Handlers) SaveNewTags(w http.ResponseWriter, r *http.Request) {
	h.writeTags(w, r, h.api.SaveNewTags)
}

// SavePreallocatedObjects handles POST /v1/tenants/{tenant}/preallocated
func (h *Handlers) SavePreallocatedObjects(w http.ResponseWriter, r *http.Request) {
	h.writeTags(w, r, h.api.SavePreallocatedObjects)
}

// PreallocateObjectIDs handles POST /v1/tenants/{tenant}/preallocate
func (h *Handlers) PreallocateObjectIDs(w http.ResponseWriter, r *http.Request) {
	var req PreallocateRequest
	if err := h.decode(w, r, &req); err != nil {
		h.handleError(w, r, err)
		return
	}

	objectType, err := model.ParseObjectType(req.ObjectType)
	if err != nil {
		h.handleError(w, r, errors.InvalidArgument(err.Error(), nil))
		return
	}

	if err := h.api.PreallocateObjectIDs(r.Context(), mux.Vars(r)["tenant"], objectType, req.ObjectIDs); err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, WriteResponse{Status: "ok", Count: len(req.ObjectIDs)})
}

// LoadTag handles GET /v1/tenants/{tenant}/objects/{id}/versions/{version}/tags/{tag}
func (h *Handlers) LoadTag(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id, err := parseObjectID(vars["id"])
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	version, err := parseVersion("version", vars["version"])
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	tagVersion, err := parseVersion("tag version", vars["tag"])
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	tag, err := h.api.LoadTag(r.Context(), vars["tenant"], id, version, tagVersion)
	h.writeTag(w, r, tag, err)
}

// LoadLatestTag handles GET /v1/tenants/{tenant}/objects/{id}/versions/{version}/tags/latest
func (h *Handlers) LoadLatestTag(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id, err := parseObjectID(vars["id"])
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	version, err := parseVersion("version", vars["version"])
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	tag, err := h.api.LoadLatestTag(r.Context(), vars["tenant"], id, version)
	h.writeTag(w, r, tag, err)
}

// LoadLatestVersion handles GET /v1/tenants/{tenant}/objects/{id}/latest
func (h *Handlers) LoadLatestVersion(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id, err := parseObjectID(vars["id"])
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	tag, err := h.api.LoadLatestVersion(r.Context(), vars["tenant"], id)
	h.writeTag(w, r, tag, err)
}

// LoadTags handles POST /v1/tenants/{tenant}/objects/read
func (h *Handlers) LoadTags(w http.ResponseWriter, r *http.Request) {
	var req SelectorsRequest
	if err := h.decode(w, r, &req); err != nil {
		h.handleError(w, r, err)
		return
	}

	tags, err := h.api.LoadTags(r.Context(), mux.Vars(r)["tenant"], req.Selectors)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, TagsResponse{Status: "ok", Tags: tags})
}

func (h *Handlers) writeTags(
	w http.ResponseWriter,
	r *http.Request,
	save func(ctx context.Context, tenant string, tags []*model.Tag) error,
) {
	var req TagsRequest
	if err := h.decode(w, r, &req); err != nil {
		h.handleError(w, r, err)
		return
	}

	if err := save(r.Context(), mux.Vars(r)["tenant"], req.Tags); err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, WriteResponse{Status: "ok", Count: len(req.Tags)})
}

func (h *Handlers) writeTag(w http.ResponseWriter, r *http.Request, tag *model.Tag, err error) {
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, TagResponse{Status: "ok", Tag: tag})
}

func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, into interface{}) error {
	body := r.Body
	if h.maxBodyBytes > 0 {
		body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	}

	decoder := json.NewDecoder(body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(into); err != nil {
		return errors.InvalidArgument("invalid request body", err)
	}
	return nil
}

func parseObjectID(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, errors.InvalidArgument(fmt.Sprintf("invalid object id %q", raw), err)
	}
	return id, nil
}

func parseVersion(name, raw string) (int, error) {
	version, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.InvalidArgument(fmt.Sprintf("invalid %s %q", name, raw), err)
	}
	return version, nil
}

// RegisterRoutes mounts the metadata routes on router
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	api := router.PathPrefix("/v1/tenants/{tenant}").Subrouter()

	api.HandleFunc("/objects", h.SaveNewObjects).Methods(http.MethodPost)
	api.HandleFunc("/versions", h.SaveNewVersions).Methods(http.MethodPost)
	api.HandleFunc("/tags", h.SaveNewTags).Methods(http.MethodPost)
	api.HandleFunc("/preallocate", h.PreallocateObjectIDs).Methods(http.MethodPost)
	api.HandleFunc("/preallocated", h.SavePreallocatedObjects).Methods(http.MethodPost)

	api.HandleFunc("/objects/read", h.LoadTags).Methods(http.MethodPost)
	api.HandleFunc("/objects/{id}/latest", h.LoadLatestVersion).Methods(http.MethodGet)
	api.HandleFunc("/objects/{id}/versions/{version}/tags/latest", h.LoadLatestTag).Methods(http.MethodGet)
	api.HandleFunc("/objects/{id}/versions/{version}/tags/{tag:[0-9]+}", h.LoadTag).Methods(http.MethodGet)
}
