package server

import (
	"fmt"
	"io/fs"
	"net/http"
)

// StaticHandler serves static assets from an embed.FS under a fixed
// sub-directory. Unlike an SPA handler, a missing asset is simply a 404 —
// there is no client-side route to fall back to.
type StaticHandler struct {
	fileServer http.Handler
}

// NewStaticHandler creates a handler serving files from prefix within
// embedded.
func NewStaticHandler(embedded fs.FS, prefix string) (*StaticHandler, error) {
	sub, err := fs.Sub(embedded, prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to create sub filesystem: %w", err)
	}
	return &StaticHandler{fileServer: http.FileServer(http.FS(sub))}, nil
}

func (h *StaticHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.fileServer.ServeHTTP(w, r)
}
