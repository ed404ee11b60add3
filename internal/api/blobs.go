package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"recap/internal/blob"
	"recap/internal/services"
)

// handleBlobDownload serves a stored object to anyone holding a valid
// presigned URL. No bearer token is required; the signature is the grant.
func (s *Server) handleBlobDownload(w http.ResponseWriter, r *http.Request) {
	handle := strings.TrimPrefix(r.URL.Path, "/api/blobs/")
	query := r.URL.Query()
	exp, err := strconv.ParseInt(query.Get("exp"), 10, 64)
	if err != nil {
		writeError(w, http.StatusForbidden, services.KindForbidden, "missing or bad expiry")
		return
	}
	if err := s.blobs.VerifyPresign(handle, exp, query.Get("sig")); err != nil {
		writeError(w, http.StatusForbidden, services.KindForbidden, "invalid or expired signature")
		return
	}

	path, err := s.blobs.LocalPath(handle)
	if err != nil {
		if errors.Is(err, blob.ErrBadHandle) {
			writeError(w, http.StatusBadRequest, services.KindInvalidInput, "bad blob handle")
			return
		}
		writeFailure(w, err)
		return
	}
	http.ServeFile(w, r, path)
}
