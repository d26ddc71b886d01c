package api

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"

	"github.com/bobarin/clipsa/internal/jobs"
	"github.com/bobarin/clipsa/internal/models"
	"github.com/bobarin/clipsa/internal/storage"
	"github.com/go-chi/chi/v5"
	log "github.com/sirupsen/logrus"
)

const maxUploadBytes = 200 << 20

// GetMedia handles GET /api/media/{id}
func (h *Handler) GetMedia(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	obj, err := h.blobs.Fetch(r.Context(), id)
	if errors.Is(err, models.ErrNotFound) {
		respondError(w, http.StatusNotFound, "File not found")
		return
	}
	if err != nil {
		log.WithField("assetId", id).Errorf("[API] Failed to fetch media: %v", err)
		respondError(w, http.StatusInternalServerError, "Failed to fetch media")
		return
	}
	defer obj.Body.Close()

	w.Header().Set("Content-Type", obj.ContentType)
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	if obj.Filename != "" {
		w.Header().Set("Content-Disposition", mime.FormatMediaType("inline", map[string]string{"filename": obj.Filename}))
	}
	if obj.Size >= 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(obj.Size, 10))
	}
	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(w, obj.Body); err != nil {
		log.WithField("assetId", id).Warnf("[API] Media stream interrupted: %v", err)
	}
}

// UploadMedia handles POST /api/media (multipart field "file")
func (h *Handler) UploadMedia(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)

	file, header, err := r.FormFile("file")
	if err != nil {
		respondError(w, http.StatusBadRequest, "Multipart field \"file\" is required")
		return
	}
	defer file.Close()

	meta := storage.Metadata{}
	for _, key := range []string{"title", "description", "uploadedBy"} {
		if v := r.FormValue(key); v != "" {
			meta[key] = v
		}
	}

	id, err := h.blobs.Store(r.Context(), file, header.Filename, meta)
	if err != nil {
		log.Errorf("[API] Failed to store upload %q: %v", header.Filename, err)
		respondError(w, http.StatusInternalServerError, "Failed to store media")
		return
	}

	respondJSON(w, http.StatusCreated, models.MediaResponse{
		ID:          id,
		URL:         jobs.MediaURL(h.appURL, id),
		Filename:    header.Filename,
		ContentType: storage.ContentTypeFor(header.Filename),
		Size:        header.Size,
	})
}

// DeleteMedia handles DELETE /api/media/{id}
func (h *Handler) DeleteMedia(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	err := h.blobs.Delete(r.Context(), id)
	if errors.Is(err, models.ErrNotFound) {
		respondError(w, http.StatusNotFound, "File not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to delete %s", id))
		return
	}

	respondJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
