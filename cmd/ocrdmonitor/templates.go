package main

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"io/fs"
	"net/http"
	"path"
	"strings"
)

//go:embed templates/*.html
var templateFS embed.FS

const baseTemplate = "templates/base.html"

var templateFuncs = template.FuncMap{
	"deref": func(n *int) string {
		if n == nil {
			return "-"
		}

		return fmt.Sprint(*n)
	},
}

// parsePages parses every page together with the base layout, keyed by the
// page file name without extension.
func parsePages() (map[string]*template.Template, error) {
	files, err := fs.Glob(templateFS, "templates/*.html")
	if err != nil {
		return nil, err
	}

	pages := make(map[string]*template.Template, len(files))

	for _, file := range files {
		if file == baseTemplate {
			continue
		}

		t, err := template.New(path.Base(file)).
			Funcs(templateFuncs).
			ParseFS(templateFS, baseTemplate, file)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", file, err)
		}

		name := path.Base(file)
		pages[strings.TrimSuffix(name, path.Ext(name))] = t
	}

	return pages, nil
}

// render writes page with status. The page is rendered into a buffer first so
// a template error still results in a clean 500.
func (s *server) render(w http.ResponseWriter, status int, page string, data any) {
	t, ok := s.pages[page]
	if !ok {
		s.logger.Error("render page", "page", page, "err", "unknown page")
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	var buf bytes.Buffer
	if err := t.ExecuteTemplate(&buf, "base", data); err != nil {
		s.logger.Error("render page", "page", page, "err", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	buf.WriteTo(w)
}
