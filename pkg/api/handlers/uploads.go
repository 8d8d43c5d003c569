package handlers

import (
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nomad-lab/nomad-core/pkg/api/middleware"
	"github.com/nomad-lab/nomad-core/pkg/controller"
	"github.com/nomad-lab/nomad-core/pkg/files"
	"github.com/nomad-lab/nomad-core/pkg/state/models"
	"github.com/nomad-lab/nomad-core/pkg/state/store"
)

// UploadHandler handles the upload API endpoints.
type UploadHandler struct {
	ctrl   *controller.Controller
	state  store.Store
	fstore *files.Store
}

// NewUploadHandler creates a new UploadHandler.
func NewUploadHandler(ctrl *controller.Controller, state store.Store, fstore *files.Store) *UploadHandler {
	return &UploadHandler{ctrl: ctrl, state: state, fstore: fstore}
}

// CreateUploadRequest is the request body for POST /api/v1/uploads.
type CreateUploadRequest struct {
	UploadName      string `json:"upload_name,omitempty"`
	PublishDirectly bool   `json:"publish_directly,omitempty"`
	EmbargoLength   int    `json:"embargo_length,omitempty"`
}

// Create handles POST /api/v1/uploads.
func (h *UploadHandler) Create(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromContext(r.Context())

	var req CreateUploadRequest
	if r.ContentLength > 0 && !decodeJSONBody(w, r, &req) {
		return
	}

	upload, err := h.ctrl.Create(r.Context(), user, controller.CreateOptions{
		UploadName:      req.UploadName,
		PublishDirectly: req.PublishDirectly,
		EmbargoLength:   req.EmbargoLength,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	ok(w, http.StatusCreated, upload)
}

// List handles GET /api/v1/uploads.
func (h *UploadHandler) List(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromContext(r.Context())

	query := store.UploadQuery{
		OrderBy:    r.URL.Query().Get("order_by"),
		Descending: r.URL.Query().Get("order") == "desc",
		Page:       intQuery(r, "page", 1),
		PageSize:   intQuery(r, "page_size", 10),
	}
	if status := r.URL.Query().Get("process_status"); status != "" {
		query.ProcessStatus = models.ProcessStatus(status)
	}
	if published := r.URL.Query().Get("published"); published != "" {
		value, err := strconv.ParseBool(published)
		if err != nil {
			fail(w, http.StatusBadRequest, "published must be true or false")
			return
		}
		query.Published = &value
	}

	uploads, total, err := h.ctrl.ListUploads(r.Context(), user, query)
	if err != nil {
		writeError(w, err)
		return
	}
	okList(w, uploads, query.Page, query.PageSize, total)
}

// Get handles GET /api/v1/uploads/{uploadID}.
func (h *UploadHandler) Get(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromContext(r.Context())
	uploadID := chi.URLParam(r, "uploadID")

	upload, err := h.ctrl.GetUpload(r.Context(), user, uploadID)
	if err != nil {
		writeError(w, err)
		return
	}
	counts, err := h.state.CountEntries(r.Context(), uploadID)
	if err != nil {
		writeError(w, err)
		return
	}
	ok(w, http.StatusOK, map[string]any{
		"upload":  upload,
		"entries": counts,
	})
}

// Delete handles DELETE /api/v1/uploads/{uploadID}.
func (h *UploadHandler) Delete(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromContext(r.Context())
	uploadID := chi.URLParam(r, "uploadID")

	if err := h.ctrl.Delete(r.Context(), user, uploadID); err != nil {
		writeError(w, err)
		return
	}
	ok(w, http.StatusAccepted, map[string]string{"upload_id": uploadID})
}

// AddRawFiles handles PUT /api/v1/uploads/{uploadID}/raw/*. The request
// body is the file content; archives are merged into the raw tree. The
// wildcard path is the target directory.
func (h *UploadHandler) AddRawFiles(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromContext(r.Context())
	uploadID := chi.URLParam(r, "uploadID")
	targetDir := chi.URLParam(r, "*")

	fileName := r.URL.Query().Get("file_name")
	if fileName == "" || filepath.Base(fileName) != fileName {
		fail(w, http.StatusBadRequest, "file_name query parameter required")
		return
	}

	tmp, err := os.MkdirTemp(h.fstore.Config().TmpRoot, "upload-*")
	if err != nil {
		writeError(w, err)
		return
	}
	source := filepath.Join(tmp, fileName)
	f, err := os.Create(source)
	if err != nil {
		os.RemoveAll(tmp)
		writeError(w, err)
		return
	}
	if _, err := io.Copy(f, r.Body); err != nil {
		f.Close()
		os.RemoveAll(tmp)
		writeError(w, err)
		return
	}
	f.Close()

	err = h.ctrl.AddFiles(r.Context(), user, uploadID, source, targetDir, true)
	os.RemoveAll(tmp)
	if err != nil {
		writeError(w, err)
		return
	}
	ok(w, http.StatusAccepted, map[string]string{"upload_id": uploadID})
}

// DeleteRawFiles handles DELETE /api/v1/uploads/{uploadID}/raw/*.
func (h *UploadHandler) DeleteRawFiles(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromContext(r.Context())
	uploadID := chi.URLParam(r, "uploadID")
	path := chi.URLParam(r, "*")

	if err := h.ctrl.DeleteFiles(r.Context(), user, uploadID, path); err != nil {
		writeError(w, err)
		return
	}
	ok(w, http.StatusAccepted, map[string]string{"upload_id": uploadID})
}

// GetRawFile handles GET /api/v1/uploads/{uploadID}/raw/*. Files are
// streamed; directories return a listing.
func (h *UploadHandler) GetRawFile(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromContext(r.Context())
	uploadID := chi.URLParam(r, "uploadID")
	path := chi.URLParam(r, "*")

	upload, err := h.state.GetUpload(r.Context(), uploadID)
	if err != nil {
		writeError(w, err)
		return
	}

	offset := int64Query(r, "offset", 0)
	length := int64Query(r, "length", -1)
	decompress := r.URL.Query().Get("decompress") == "true"

	if upload.Published && !h.fstore.StagingExists(uploadID) {
		h.servePublicRawFile(w, r, user, upload, path, offset, length, decompress)
		return
	}

	// Unpublished content is only visible to the upload's viewers.
	if !user.IsAdmin() && !upload.IsViewer(user.ID) {
		writeError(w, models.ErrNotAuthorized)
		return
	}
	staging := h.fstore.StagingFiles(uploadID)
	if !staging.RawPathIsFile(path) {
		infos, err := staging.RawDirectoryList(path, false, false)
		if err != nil {
			writeError(w, err)
			return
		}
		ok(w, http.StatusOK, infos)
		return
	}
	reader, err := staging.OpenRawFile(path, offset, length, decompress)
	if err != nil {
		writeError(w, err)
		return
	}
	defer reader.Close()
	streamFile(w, path, reader)
}

func (h *UploadHandler) servePublicRawFile(w http.ResponseWriter, r *http.Request, user *models.User, upload *models.Upload, path string, offset, length int64, decompress bool) {
	pub := h.fstore.PublicFiles(upload.UploadID)
	if !pub.RawPathIsFile(path) {
		infos, err := pub.RawDirectoryList(path, false, false)
		if err != nil {
			writeError(w, err)
			return
		}
		ok(w, http.StatusOK, infos)
		return
	}

	access, err := pub.RawFileAccess(path)
	if err != nil {
		writeError(w, err)
		return
	}
	if access == files.AccessRestricted && !user.IsAdmin() && !upload.IsViewer(user.ID) {
		writeError(w, models.ErrNotAuthorized)
		return
	}

	reader, err := pub.OpenRawFile(path, offset, length, decompress)
	if err != nil {
		writeError(w, err)
		return
	}
	defer reader.Close()
	streamFile(w, path, reader)
}

// ListEntries handles GET /api/v1/uploads/{uploadID}/entries.
func (h *UploadHandler) ListEntries(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromContext(r.Context())
	uploadID := chi.URLParam(r, "uploadID")

	// Reuse the upload visibility rules.
	if _, err := h.ctrl.GetUpload(r.Context(), user, uploadID); err != nil {
		writeError(w, err)
		return
	}

	query := store.EntryQuery{
		Page:     intQuery(r, "page", 1),
		PageSize: intQuery(r, "page_size", 10),
	}
	entries, total, err := h.state.ListEntries(r.Context(), uploadID, query)
	if err != nil {
		writeError(w, err)
		return
	}
	okList(w, entries, query.Page, query.PageSize, total)
}

// EditMetadataRequest is the request body for POST
// /api/v1/uploads/{uploadID}/edit. Absent fields are untouched.
type EditMetadataRequest struct {
	UploadName       *string    `json:"upload_name,omitempty"`
	EmbargoLength    *int       `json:"embargo_length,omitempty"`
	MainAuthor       *string    `json:"main_author,omitempty"`
	UploadCreateTime *time.Time `json:"upload_create_time,omitempty"`
}

// EditMetadata handles POST /api/v1/uploads/{uploadID}/edit.
func (h *UploadHandler) EditMetadata(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromContext(r.Context())
	uploadID := chi.URLParam(r, "uploadID")

	var req EditMetadataRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	err := h.ctrl.SetUploadMetadata(r.Context(), user, uploadID, controller.MetadataEdit{
		UploadName:       req.UploadName,
		EmbargoLength:    req.EmbargoLength,
		MainAuthor:       req.MainAuthor,
		UploadCreateTime: req.UploadCreateTime,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	ok(w, http.StatusOK, map[string]string{"upload_id": uploadID})
}

// ActionRequest is the request body of the action endpoints.
type ActionRequest struct {
	EmbargoLength *int `json:"embargo_length,omitempty"`
}

// Publish handles POST /api/v1/uploads/{uploadID}/action/publish.
func (h *UploadHandler) Publish(w http.ResponseWriter, r *http.Request) {
	h.action(w, r, func(r *http.Request, user *models.User, uploadID string, req ActionRequest) error {
		return h.ctrl.Publish(r.Context(), user, uploadID, req.EmbargoLength)
	})
}

// Reprocess handles POST /api/v1/uploads/{uploadID}/action/process.
func (h *UploadHandler) Reprocess(w http.ResponseWriter, r *http.Request) {
	h.action(w, r, func(r *http.Request, user *models.User, uploadID string, req ActionRequest) error {
		return h.ctrl.Reprocess(r.Context(), user, uploadID)
	})
}

// LiftEmbargo handles POST /api/v1/uploads/{uploadID}/action/lift-embargo.
func (h *UploadHandler) LiftEmbargo(w http.ResponseWriter, r *http.Request) {
	h.action(w, r, func(r *http.Request, user *models.User, uploadID string, req ActionRequest) error {
		return h.ctrl.LiftEmbargo(r.Context(), user, uploadID)
	})
}

// PublishExternally handles POST
// /api/v1/uploads/{uploadID}/action/publish-external.
func (h *UploadHandler) PublishExternally(w http.ResponseWriter, r *http.Request) {
	h.action(w, r, func(r *http.Request, user *models.User, uploadID string, req ActionRequest) error {
		return h.ctrl.PublishExternally(r.Context(), user, uploadID, req.EmbargoLength)
	})
}

func (h *UploadHandler) action(w http.ResponseWriter, r *http.Request, run func(*http.Request, *models.User, string, ActionRequest) error) {
	user := middleware.UserFromContext(r.Context())
	uploadID := chi.URLParam(r, "uploadID")

	var req ActionRequest
	if r.ContentLength > 0 && !decodeJSONBody(w, r, &req) {
		return
	}
	if err := run(r, user, uploadID, req); err != nil {
		writeError(w, err)
		return
	}
	ok(w, http.StatusAccepted, map[string]string{"upload_id": uploadID})
}

func streamFile(w http.ResponseWriter, path string, reader io.Reader) {
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", "attachment; filename="+strconv.Quote(filepath.Base(path)))
	io.Copy(w, reader)
}

func intQuery(r *http.Request, name string, fallback int) int {
	value := r.URL.Query().Get(name)
	if value == "" {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

func int64Query(r *http.Request, name string, fallback int64) int64 {
	value := r.URL.Query().Get(name)
	if value == "" {
		return fallback
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}
