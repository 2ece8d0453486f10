package middleware

import (
	"net/http"
	"os"
	"path/filepath"
)

const avatarSVG = `<svg xmlns="http://www.w3.org/2000/svg" viewBox="0 0 200 200"><rect width="200" height="200" fill="#f0f0f0"/><circle cx="100" cy="80" r="32" fill="#999"/><path d="M48 168c0-28.7 23.3-52 52-52s52 23.3 52 52" fill="#999"/><text x="100" y="190" text-anchor="middle" font-family="Arial" font-size="13" fill="#666">TELEVISIT</text></svg>`

// StaticFileServer serves uploaded profile images and credential documents,
// falling back to a generic avatar when the file is missing.
func StaticFileServer(dir string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := filepath.Join(dir, filepath.Clean(r.URL.Path))

		if _, err := os.Stat(path); err == nil {
			w.Header().Set("Cache-Control", "public, max-age=2592000")
			http.ServeFile(w, r, path)
			return
		}

		w.Header().Set("Content-Type", "image/svg+xml")
		w.Header().Set("Cache-Control", "public, max-age=86400")
		w.Write([]byte(avatarSVG))
	})
}
