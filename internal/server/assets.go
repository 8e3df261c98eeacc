package server

import (
	"net/http"
	"os"
	"path/filepath"
)

// assetHandler serves flat files from a single directory.
type assetHandler struct {
	dir string
}

func newAssetHandler(dir string) *assetHandler {
	return &assetHandler{dir: dir}
}

func (h *assetHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	filename := filepath.Base(r.URL.Path)
	assetPath := filepath.Join(h.dir, filename)
	if !fileExists(assetPath) {
		http.NotFound(w, r)
		return
	}
	http.ServeFile(w, r, assetPath)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}
