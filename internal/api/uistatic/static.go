package uistatic

import (
	"embed"
	"io/fs"
	"net/http"
	"path"
	"strings"
)

//go:embed all:app
var appFS embed.FS

// Handler serves the chat page. Unknown paths fall back to index.html except
// under v1/, which belongs to the API.
func Handler() http.Handler {
	sub, err := fs.Sub(appFS, "app")
	if err != nil {
		return http.NotFoundHandler()
	}
	index, err := fs.ReadFile(sub, "index.html")
	if err != nil {
		return http.NotFoundHandler()
	}
	assets := http.FileServer(http.FS(sub))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cleanPath := path.Clean(strings.TrimPrefix(r.URL.Path, "/"))
		switch {
		case cleanPath == "v1" || strings.HasPrefix(cleanPath, "v1/"):
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error_code":"ROUTE_NOT_FOUND","message":"no such API route","retryable":false}` + "\n"))
		case cleanPath == "." || cleanPath == "index.html":
			serveIndex(w, index)
		default:
			if info, err := fs.Stat(sub, cleanPath); err == nil && !info.IsDir() {
				assets.ServeHTTP(w, r)
				return
			}
			serveIndex(w, index)
		}
	})
}

func serveIndex(w http.ResponseWriter, index []byte) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(index)
}
