package api

import (
	"bytes"
	_ "embed"
	"fmt"
	"net/http"
	"sync"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

//go:embed docs.md
var apiDocs []byte

var renderDocs = sync.OnceValues(func() ([]byte, error) {
	return markdownToHTML(apiDocs)
})

// markdownToHTML renders md as a standalone HTML page.
func markdownToHTML(md []byte) ([]byte, error) {
	var buf bytes.Buffer
	gm := goldmark.New(goldmark.WithExtensions(extension.Table))
	if err := gm.Convert(md, &buf); err != nil {
		return nil, err
	}

	page := fmt.Sprintf(`<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>bypassd API</title></head>
<body style="font-family: sans-serif; font-size: 14px; line-height: 1.5; max-width: 860px; margin: 2em auto;">
%s
</body></html>`, buf.String())
	return []byte(page), nil
}

func (s *Server) handleDocs(w http.ResponseWriter, r *http.Request) {
	page, err := renderDocs()
	if err != nil {
		s.logger.Error("render API docs failed", "error", err)
		http.Error(w, "documentation unavailable", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if _, err := w.Write(page); err != nil {
		s.logger.Debug("failed to write docs", "error", err)
	}
}
