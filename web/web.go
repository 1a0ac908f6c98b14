// Package web serves the embedded browser shell: the login and register
// pages plus the app page that every other client-side route falls back to.
package web

import (
	"embed"
	"fmt"
	"io/fs"
	"net/http"
	"path"
	"strings"
)

//go:embed shell
var content embed.FS

// pages maps exact paths to the HTML document served for them. Any other
// path without a matching asset gets index.html.
var pages = map[string]string{
	"/login":    "login.html",
	"/register": "register.html",
}

// Handler returns an http.Handler that serves the embedded shell.
func Handler() (http.Handler, error) {
	fsys, err := fs.Sub(content, "shell")
	if err != nil {
		return nil, fmt.Errorf("loading embedded web assets: %w", err)
	}

	docs := make(map[string][]byte, len(pages)+1)
	for _, name := range append([]string{"index.html"}, mapValues(pages)...) {
		b, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("reading embedded %s: %w", name, err)
		}
		docs[name] = b
	}

	static := http.FileServer(http.FS(fsys))
	serve := func(w http.ResponseWriter, name string) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		w.Write(docs[name])
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
			return
		}

		cleanPath := path.Clean(r.URL.Path)
		if name, ok := pages[strings.TrimSuffix(cleanPath, "/")]; ok {
			serve(w, name)
			return
		}

		rel := strings.TrimPrefix(cleanPath, "/")
		if rel == "" || rel == "." || strings.HasSuffix(rel, ".html") {
			serve(w, "index.html")
			return
		}
		if info, err := fs.Stat(fsys, rel); err == nil && !info.IsDir() {
			static.ServeHTTP(w, r)
			return
		}
		// Missing assets are real 404s; only routes fall back to the app.
		if strings.HasPrefix(rel, "static/") || path.Ext(rel) != "" {
			http.NotFound(w, r)
			return
		}

		serve(w, "index.html")
	}), nil
}

func mapValues(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	return out
}
