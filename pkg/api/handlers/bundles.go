package handlers

import (
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/nomad-lab/nomad-core/pkg/api/middleware"
	"github.com/nomad-lab/nomad-core/pkg/bundle"
	"github.com/nomad-lab/nomad-core/pkg/controller"
	"github.com/nomad-lab/nomad-core/pkg/files"
)

// BundleHandler handles bundle export and import endpoints.
type BundleHandler struct {
	ctrl   *controller.Controller
	fstore *files.Store
}

// NewBundleHandler creates a new BundleHandler.
func NewBundleHandler(ctrl *controller.Controller, fstore *files.Store) *BundleHandler {
	return &BundleHandler{ctrl: ctrl, fstore: fstore}
}

// Export handles GET /api/v1/uploads/{uploadID}/bundle. The bundle zip is
// streamed as the response body.
func (h *BundleHandler) Export(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromContext(r.Context())
	uploadID := chi.URLParam(r, "uploadID")

	opts := bundle.ExportOptions{
		IncludeRawFiles:     boolQuery(r, "include_raw_files", true),
		IncludeArchiveFiles: boolQuery(r, "include_archive_files", true),
		IncludeDatasets:     boolQuery(r, "include_datasets", true),
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", "attachment; filename="+strconv.Quote(uploadID+".zip"))

	err := h.ctrl.ExportBundle(r.Context(), user, uploadID, opts, bundle.Target{Writer: w})
	if err != nil {
		// Headers may be gone already; only report errors detected before
		// the first write.
		writeError(w, err)
		return
	}
}

// Import handles POST /api/v1/uploads/bundle. The request body is the
// bundle zip. Admin only.
func (h *BundleHandler) Import(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromContext(r.Context())

	tmp, err := os.MkdirTemp(h.fstore.Config().TmpRoot, "bundle-*")
	if err != nil {
		writeError(w, err)
		return
	}
	defer os.RemoveAll(tmp)

	path := filepath.Join(tmp, "bundle.zip")
	f, err := os.Create(path)
	if err != nil {
		writeError(w, err)
		return
	}
	if _, err := io.Copy(f, r.Body); err != nil {
		f.Close()
		writeError(w, err)
		return
	}
	f.Close()

	var settings *bundle.ImportSettings
	if r.URL.Query().Has("include_raw_files") || r.URL.Query().Has("include_archive_files") {
		settings = &bundle.ImportSettings{
			IncludeRawFiles:        boolQuery(r, "include_raw_files", true),
			IncludeArchiveFiles:    boolQuery(r, "include_archive_files", true),
			IncludeDatasets:        boolQuery(r, "include_datasets", true),
			KeepOriginalTimestamps: boolQuery(r, "keep_original_timestamps", true),
			DeleteUploadOnFail:     boolQuery(r, "delete_upload_on_fail", true),
		}
	}

	upload, err := h.ctrl.ImportBundle(r.Context(), user, path, settings)
	if err != nil {
		writeError(w, err)
		return
	}
	ok(w, http.StatusCreated, upload)
}

func boolQuery(r *http.Request, name string, fallback bool) bool {
	value := r.URL.Query().Get(name)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}
