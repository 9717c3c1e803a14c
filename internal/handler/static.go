package handler

import (
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// reservedPrefixes never fall back to the client's index page.
var reservedPrefixes = []string{"api/", "admin/"}

// ClientHandler serves the built web client. Unknown paths fall back to
// index.html so client-side routes such as /join/483920 load the app.
type ClientHandler struct {
	root      string
	indexFile string
}

func NewClientHandler(root string) *ClientHandler {
	return &ClientHandler{
		root:      root,
		indexFile: "index.html",
	}
}

func (h *ClientHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// path.Clean on a rooted path cannot climb above "/"
	rel := strings.TrimPrefix(path.Clean("/"+r.URL.Path), "/")

	for _, prefix := range reservedPrefixes {
		if rel == strings.TrimSuffix(prefix, "/") || strings.HasPrefix(rel, prefix) {
			http.NotFound(w, r)
			return
		}
	}

	if rel != "" {
		filePath := filepath.Join(h.root, filepath.FromSlash(rel))
		if info, err := os.Stat(filePath); err == nil && !info.IsDir() {
			http.ServeFile(w, r, filePath)
			return
		}
	}

	indexPath := filepath.Join(h.root, h.indexFile)
	if _, err := os.Stat(indexPath); err != nil {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Cache-Control", "no-cache")
	http.ServeFile(w, r, indexPath)
}
