package rest

import (
	"io"
	"net/http"

	"tuitionpay/internal/transport/auth"
)

// Artifact uploads are capped well above any realistic receipt photo.
const maxArtifactSize = 10 << 20

// uploadArtifact stores a proof-of-payment file and returns the reference to
// put on the voucher. Upload and voucher submission are separate calls so a
// flaky connection can retry the cheap one.
func (h *Handler) uploadArtifact(w http.ResponseWriter, r *http.Request) {
	if _, err := auth.GetUserID(r.Context()); err != nil {
		ErrorUnauthorized(w, "Unauthorized")
		return
	}

	if err := r.ParseMultipartForm(maxArtifactSize); err != nil {
		ErrorBadRequest(w, "invalid multipart form")
		return
	}

	file, header, err := r.FormFile("artifact")
	if err != nil {
		ErrorBadRequest(w, "artifact file is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxArtifactSize+1))
	if err != nil {
		ErrorInternal(w, "failed to read upload")
		return
	}
	if len(data) > maxArtifactSize {
		ErrorBadRequest(w, "el archivo supera el tamaño máximo permitido")
		return
	}

	ref, err := h.artifacts.Save(r.Context(), header.Filename, data)
	if err != nil {
		ErrorInternal(w, "failed to store artifact")
		return
	}

	SuccessCreated(w, "Comprobante cargado", map[string]interface{}{
		"artifact_ref": ref,
		"url":          h.artifacts.GetURL(ref),
	})
}
