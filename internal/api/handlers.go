// Package api serves the single HTTP resource the SSDP engine's Location
// header points to: the root device description. Everything else a real
// UPnP device server would expose (SOAP control, content/event endpoints)
// is explicitly out of scope per spec.md §1 and lives with whatever
// higher layer registers those service types.
package api

import (
	"embed"
	"fmt"
	"log/slog"
	"net/http"
	"text/template"
	"time"
)

// Config holds the device identity the description is rendered from.
type Config struct {
	FriendlyName string
	UUID         string
}

type Handler struct {
	tmpl   *template.Template
	logger *slog.Logger
	config Config
}

//go:embed templates/device_description.xml
var templateFS embed.FS

func NewHandler(cfg Config, logger *slog.Logger) (*Handler, error) {
	content, err := templateFS.ReadFile("templates/device_description.xml")
	if err != nil {
		return nil, fmt.Errorf("read device description template: %w", err)
	}

	tmpl, err := template.New("device_description.xml").Parse(string(content))
	if err != nil {
		return nil, fmt.Errorf("parse device description template: %w", err)
	}

	return &Handler{
		tmpl:   tmpl,
		logger: logger,
		config: cfg,
	}, nil
}

// HandleXML serves the root device description at /description.xml, the
// target of the SSDP engine's Location header.
func (h *Handler) HandleXML(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	data := struct {
		UUID         string
		BaseURL      string
		FriendlyName string
	}{
		UUID:         h.config.UUID,
		BaseURL:      fmt.Sprintf("http://%s", r.Host),
		FriendlyName: h.config.FriendlyName,
	}

	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	w.Header().Set("Date", time.Now().UTC().Format(http.TimeFormat))
	w.Header().Set("Server", "Linux/3.10.0 UPnP/1.0 ssdpd/1.0")
	w.Header().Set("EXT", "")

	if err := h.tmpl.Execute(w, data); err != nil {
		h.logger.Error("error executing template", "name", "device_description.xml", "err", err)
	}
}
