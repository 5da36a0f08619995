package wsserver

import (
	"io"
	"io/fs"
	"net/http"
	"path"
	"strings"
)

// assetMIMETable covers the extensions §4.H names explicitly; anything
// else falls back to http's content-type sniffing.
var assetMIMETable = map[string]string{
	".html": "text/html; charset=utf-8",
	".js":   "application/javascript; charset=utf-8",
	".css":  "text/css; charset=utf-8",
	".ttf":  "font/ttf",
}

// AssetManifest is the closed set of servable static paths, built once
// from an fs.FS (typically an embed.FS baked into the binary at build
// time). A path outside the manifest, including /favicon.ico when
// absent, 404s — §4.H requires the manifest to be authoritative rather
// than falling back to directory listing.
type AssetManifest struct {
	files fs.FS
	paths map[string]bool
}

// NewAssetManifest walks files once and records every regular file's
// path (rooted, leading slash) as servable.
func NewAssetManifest(files fs.FS) (*AssetManifest, error) {
	m := &AssetManifest{files: files, paths: make(map[string]bool)}
	err := fs.WalkDir(files, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		m.paths["/"+p] = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (m *AssetManifest) resolve(urlPath string) (string, bool) {
	if urlPath == "/" {
		urlPath = "/index.html"
	}
	if !m.paths[urlPath] {
		return "", false
	}
	return strings.TrimPrefix(urlPath, "/"), true
}

func (s *Server) handleStatic(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Assets == nil {
		http.NotFound(w, r)
		return
	}

	rel, ok := s.cfg.Assets.resolve(r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}

	if mime, ok := assetMIMETable[path.Ext(rel)]; ok {
		w.Header().Set("Content-Type", mime)
	}

	f, err := s.cfg.Assets.files.Open(rel)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	defer f.Close()

	seeker, ok := f.(io.ReadSeeker)
	if !ok {
		// embed.FS's files always satisfy io.ReadSeeker; any other fs.FS
		// backing the manifest must too, or it can't be served this way.
		http.Error(w, "asset is not seekable", http.StatusInternalServerError)
		return
	}

	info, err := fs.Stat(s.cfg.Assets.files, rel)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	http.ServeContent(w, r, rel, info.ModTime(), seeker)
}
