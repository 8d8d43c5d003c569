package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nomad-lab/nomad-core/pkg/api/middleware"
	"github.com/nomad-lab/nomad-core/pkg/archive"
	"github.com/nomad-lab/nomad-core/pkg/files"
	"github.com/nomad-lab/nomad-core/pkg/state/models"
	"github.com/nomad-lab/nomad-core/pkg/state/store"
)

// EntryHandler handles the entry API endpoints.
type EntryHandler struct {
	state  store.Store
	fstore *files.Store
}

// NewEntryHandler creates a new EntryHandler.
func NewEntryHandler(state store.Store, fstore *files.Store) *EntryHandler {
	return &EntryHandler{state: state, fstore: fstore}
}

// Get handles GET /api/v1/entries/{entryID}.
func (h *EntryHandler) Get(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromContext(r.Context())
	entryID := chi.URLParam(r, "entryID")

	entry, upload, err := h.loadEntry(r, entryID)
	if err != nil {
		writeError(w, err)
		return
	}
	// Entry metadata of unpublished uploads is viewer-only.
	if !upload.Published && !user.IsAdmin() && !upload.IsViewer(user.ID) {
		writeError(w, models.ErrNotAuthorized)
		return
	}
	ok(w, http.StatusOK, entry)
}

// Archive handles GET /api/v1/entries/{entryID}/archive.
func (h *EntryHandler) Archive(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromContext(r.Context())
	entryID := chi.URLParam(r, "entryID")

	entry, upload, err := h.loadEntry(r, entryID)
	if err != nil {
		writeError(w, err)
		return
	}

	isViewer := user.IsAdmin() || upload.IsViewer(user.ID)

	var doc *archive.EntryArchive
	if upload.Published && !h.fstore.StagingExists(upload.UploadID) {
		var access files.Access
		doc, access, err = h.fstore.PublicFiles(upload.UploadID).ReadArchive(entryID)
		if err == nil && access == files.AccessRestricted && !isViewer {
			writeError(w, models.ErrNotAuthorized)
			return
		}
	} else {
		if !isViewer {
			writeError(w, models.ErrNotAuthorized)
			return
		}
		doc, err = h.fstore.StagingFiles(upload.UploadID).ReadEntryArchive(entryID)
	}
	if err != nil {
		writeError(w, err)
		return
	}

	ok(w, http.StatusOK, map[string]any{
		"entry_id": entry.EntryID,
		"archive":  doc,
	})
}

func (h *EntryHandler) loadEntry(r *http.Request, entryID string) (*models.Entry, *models.Upload, error) {
	entry, err := h.state.GetEntry(r.Context(), entryID)
	if err != nil {
		return nil, nil, err
	}
	upload, err := h.state.GetUpload(r.Context(), entry.UploadID)
	if err != nil {
		return nil, nil, err
	}
	return entry, upload, nil
}
