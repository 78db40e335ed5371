package api

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/nugget/bypassd/internal/config"
)

// maxRequestBody bounds a solve request body. Cookies and postData are
// the only fields that grow.
const maxRequestBody = 1 << 20

// readBody reads the whole request body, logging it at trace level.
func readBody(w http.ResponseWriter, r *http.Request, logger *slog.Logger) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		return nil, err
	}
	logger.Log(r.Context(), config.LevelTrace, "request body",
		"path", r.URL.Path,
		"bytes", len(body),
		"body", string(body),
	)
	return body, nil
}
