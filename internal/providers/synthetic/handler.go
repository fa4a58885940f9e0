package synthetic

import (
	"net/http"
	"path"
	"strings"
)

// Handler serves placeholder bytes for the URLs returned by Poll. Mount it at
// the path of ArtifactBaseURL with http.StripPrefix.
func (a *Adapter) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := path.Base(r.URL.Path)
		ext := path.Ext(name)
		id := strings.TrimSuffix(name, ext)

		a.mu.Lock()
		_, ok := a.requests[id]
		a.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}

		contentType := "image/png"
		if ext == ".mp4" {
			contentType = "video/mp4"
		}
		w.Header().Set("Content-Type", contentType)
		_, _ = w.Write([]byte("synthetic artifact " + id))
	})
}
