package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"otad/services/ota/internal/firmware"
	"otad/services/ota/internal/release"
)

func (a *API) handlePublish(w http.ResponseWriter, r *http.Request) {
	file, header, err := r.FormFile("firmware")
	if err != nil {
		respondError(w, http.StatusBadRequest, errors.New("no firmware file provided"))
		return
	}
	defer file.Close()

	filename := strings.TrimSpace(header.Filename)
	if filename == "" {
		respondError(w, http.StatusBadRequest, errors.New("no selected file"))
		return
	}

	art, err := a.store.Publish(filename, file)
	if err != nil {
		if errors.Is(err, firmware.ErrInvalidImage) || errors.Is(err, firmware.ErrBadFilename) {
			a.metrics.publishes.WithLabelValues("rejected").Inc()
			respondError(w, http.StatusBadRequest, err)
			return
		}
		a.logger.Printf("ERROR publish %s: %v", filename, err)
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	a.metrics.publishes.WithLabelValues("published").Inc()

	a.audit.Command(r.Context(), "", "firmware_published", "operator")
	a.publishEvent(r.Context(), firmwarePublishedTopic, map[string]any{
		"filename": art.Filename,
		"sha256":   art.SHA256,
		"size":     art.Size,
	})
	a.mirrorArtifact(r.Context(), art)
	a.refreshManifest()

	respondJSON(w, http.StatusOK, map[string]any{
		"message":     "Firmware uploaded successfully",
		"filename":    art.Filename,
		"sha256":      art.SHA256,
		"size":        art.Size,
		"upload_date": art.LastModified,
	})
}

func (a *API) handleDownloadLatest(w http.ResponseWriter, r *http.Request) {
	latest, err := a.store.Latest()
	if err != nil {
		if errors.Is(err, firmware.ErrNoFirmware) {
			respondError(w, http.StatusNotFound, err)
			return
		}
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	rc, art, err := a.store.Open(latest.Filename)
	if err != nil {
		// The artifact can vanish between Latest and Open.
		if errors.Is(err, firmware.ErrNotFound) {
			respondError(w, http.StatusNotFound, err)
			return
		}
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", art.Filename))
	w.Header().Set("Content-Length", strconv.FormatInt(art.Size, 10))
	if _, err := io.Copy(w, rc); err != nil {
		a.logger.Printf("ERROR stream firmware %s: %v", art.Filename, err)
		return
	}

	a.metrics.downloads.Inc()
	a.logger.Printf("INFO firmware download served: %s", art.Filename)
}

func (a *API) handleVersion(w http.ResponseWriter, r *http.Request) {
	latest, err := a.store.Latest()
	if err != nil {
		if errors.Is(err, firmware.ErrNoFirmware) {
			respondError(w, http.StatusNotFound, err)
			return
		}
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	art, err := a.store.Describe(latest.Filename)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	resp := map[string]any{
		"version":       art.Filename,
		"url":           a.config.UpdateURL,
		"sha256":        art.SHA256,
		"size":          art.Size,
		"last_modified": art.LastModified,
		"build_date":    time.Now().UTC(),
	}
	if a.mirror != nil {
		if url, err := a.mirror.DownloadURL(r.Context(), art.Filename, mirrorURLTTL); err == nil {
			resp["mirror_url"] = url
		}
	}

	respondJSON(w, http.StatusOK, resp)
}

func (a *API) handleVerify(w http.ResponseWriter, r *http.Request) {
	filename := chi.URLParam(r, "filename")

	art, err := a.store.Verify(filename)
	switch {
	case err == nil:
	case errors.Is(err, firmware.ErrNotFound):
		respondError(w, http.StatusNotFound, err)
		return
	case errors.Is(err, firmware.ErrInvalidImage), errors.Is(err, firmware.ErrBadFilename):
		respondError(w, http.StatusBadRequest, err)
		return
	default:
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"status":        "valid",
		"filename":      art.Filename,
		"sha256":        art.SHA256,
		"size":          art.Size,
		"last_modified": art.LastModified,
	})
}

func (a *API) handleList(w http.ResponseWriter, r *http.Request) {
	artifacts, err := a.store.List(false)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"firmware": artifacts})
}

func (a *API) handleHistory(w http.ResponseWriter, r *http.Request) {
	artifacts, err := a.store.History(true)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, artifacts)
}

func (a *API) handleRestore(w http.ResponseWriter, r *http.Request) {
	filename := chi.URLParam(r, "filename")

	art, err := a.store.Restore(filename)
	if err != nil {
		if errors.Is(err, firmware.ErrNotFound) || errors.Is(err, firmware.ErrBadFilename) {
			respondError(w, http.StatusNotFound, err)
			return
		}
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	a.audit.Command(r.Context(), "", "firmware_restored", "operator")
	a.mirrorArtifact(r.Context(), art)
	a.refreshManifest()
	respondJSON(w, http.StatusOK, map[string]any{
		"message":  "Firmware restored successfully",
		"filename": art.Filename,
		"sha256":   art.SHA256,
	})
}

func (a *API) handleDelete(w http.ResponseWriter, r *http.Request) {
	filename := chi.URLParam(r, "filename")

	if err := a.store.Delete(filename); err != nil {
		if errors.Is(err, firmware.ErrNotFound) || errors.Is(err, firmware.ErrBadFilename) {
			respondError(w, http.StatusNotFound, err)
			return
		}
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	a.audit.Command(r.Context(), "", "firmware_deleted", "operator")
	a.refreshManifest()
	respondJSON(w, http.StatusOK, map[string]any{"message": "Firmware deleted successfully"})
}

func (a *API) handleManifest(w http.ResponseWriter, r *http.Request) {
	if a.manifest == nil {
		respondError(w, http.StatusNotFound, errors.New("manifest signing not configured"))
		return
	}

	data, err := os.ReadFile(a.manifest.Path())
	if err != nil {
		if os.IsNotExist(err) {
			respondError(w, http.StatusNotFound, errors.New("no manifest published yet"))
			return
		}
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	w.Header().Set("Content-Type", "application/yaml")
	_, _ = w.Write(data)
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.store.Stats()
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

// mirrorArtifact pushes a freshly published image to the off-site mirror.
// Failures are logged; the publish has already succeeded.
func (a *API) mirrorArtifact(ctx context.Context, art firmware.Artifact) {
	if a.mirror == nil {
		return
	}

	rc, _, err := a.store.Open(art.Filename)
	if err != nil {
		a.logger.Printf("WARN mirror open %s: %v", art.Filename, err)
		return
	}
	defer rc.Close()

	if err := a.mirror.Upload(ctx, art, rc); err != nil {
		a.logger.Printf("WARN mirror upload %s: %v", art.Filename, err)
	}
}

// refreshManifest regenerates the signed release manifest from the
// current active set.
func (a *API) refreshManifest() {
	if a.manifest == nil {
		return
	}

	artifacts, err := a.store.History(false)
	if err != nil {
		a.logger.Printf("ERROR manifest refresh: %v", err)
		return
	}

	entries := make([]release.Entry, 0, len(artifacts))
	for _, art := range artifacts {
		entries = append(entries, release.Entry{
			Filename:     art.Filename,
			SHA256:       art.SHA256,
			Size:         art.Size,
			LastModified: art.LastModified,
		})
	}

	if err := a.manifest.Write(entries); err != nil {
		a.logger.Printf("ERROR manifest write: %v", err)
	}
}
