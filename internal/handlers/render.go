// Copyright 2025 Alex Vollmer
// Licensed under the EUPL-1.2

package handlers

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"io/fs"
	"net/http"
	"path"
	"strings"

	"github.com/avollmer/idhub/internal/models"
	"github.com/labstack/echo/v4"
)

//go:embed views/*.html
var viewFS embed.FS

// views maps a page name to its parsed template set (layout + page).
var views = mustParseViews()

func mustParseViews() map[string]*template.Template {
	pages, err := fs.Glob(viewFS, "views/*.html")
	if err != nil {
		panic(err)
	}

	parsed := make(map[string]*template.Template, len(pages))
	for _, page := range pages {
		name := strings.TrimSuffix(path.Base(page), ".html")
		if name == "layout" {
			continue
		}
		parsed[name] = template.Must(template.ParseFS(viewFS, "views/layout.html", page))
	}
	return parsed
}

// view is the data every page template receives.
type view struct { //nolint:govet // fieldalignment: readability over optimization
	Title string
	CSRF  string
	User  *models.User
	Error string
	Data  any
}

// render writes a page template wrapped in the layout.
func (h *Handlers) render(c echo.Context, status int, page string, v view) error {
	tmpl, ok := views[page]
	if !ok {
		return fmt.Errorf("unknown view %q", page)
	}

	v.CSRF, _ = c.Get("csrf").(string)
	if v.User == nil {
		v.User = CurrentUser(c)
	}

	var buf bytes.Buffer
	if err := tmpl.ExecuteTemplate(&buf, "layout", v); err != nil {
		return fmt.Errorf("rendering %q: %w", page, err)
	}
	return c.HTMLBlob(status, buf.Bytes())
}

// RenderError writes the error page for the given status code.
func (h *Handlers) RenderError(c echo.Context, status int, message string) error {
	if message == "" {
		message = http.StatusText(status)
	}
	return h.render(c, status, "error", view{
		Title: http.StatusText(status),
		Data:  map[string]any{"Status": status, "Message": message},
	})
}
