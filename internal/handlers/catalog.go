// Package handlers implements the read-mostly catalog HTTP surface:
// health, active sessions, kubeconfig contexts and remembered images.
package handlers

import (
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/avelis/termgate/internal/kubecfg"
	"github.com/avelis/termgate/internal/sshsession"
	"github.com/avelis/termgate/internal/store"
	"github.com/avelis/termgate/internal/termreg"
)

// Catalog serves the auxiliary read-only API next to the /ws stream.
type Catalog struct {
	Terms   *termreg.Registry
	SSH     *sshsession.Registry
	Store   *store.Store
	Started time.Time
}

// New builds the catalog surface over the given registries and store.
func New(terms *termreg.Registry, ssh *sshsession.Registry, st *store.Store) *Catalog {
	return &Catalog{Terms: terms, SSH: ssh, Store: st, Started: time.Now()}
}

func (c *Catalog) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"terminals": c.Terms.Count(),
		"uptime":    int(time.Since(c.Started).Seconds()),
	})
}

type terminalInfo struct {
	ID            string `json:"id"`
	Kind          string `json:"kind"`
	Title         string `json:"title"`
	Image         string `json:"image,omitempty"`
	ContainerName string `json:"containerName,omitempty"`
	Cols          uint16 `json:"cols"`
	Rows          uint16 `json:"rows"`
	WorkDir       string `json:"workDir,omitempty"`
	CreatedAt     string `json:"created_at"`
}

func (c *Catalog) ListTerminals(w http.ResponseWriter, r *http.Request) {
	sessions := c.Terms.List()
	resp := make([]terminalInfo, len(sessions))
	for i, s := range sessions {
		cols, rows := s.Size()
		resp[i] = terminalInfo{
			ID:            s.ID,
			Kind:          s.Kind,
			Title:         s.Title,
			Image:         s.Image,
			ContainerName: s.ContainerName,
			Cols:          cols,
			Rows:          rows,
			WorkDir:       s.WorkDir(),
			CreatedAt:     s.CreatedAt.UTC().Format(time.RFC3339),
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"terminals": resp})
}

func (c *Catalog) KubectlContexts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"contexts": kubecfg.Contexts()})
}

func (c *Catalog) ListImages(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"images": c.Store.Images()})
}

func (c *Catalog) AddImage(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Image string `json:"image"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Image == "" {
		writeError(w, http.StatusBadRequest, "image required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"images": c.Store.AddImage(body.Image)})
}

func (c *Catalog) RemoveImage(w http.ResponseWriter, r *http.Request) {
	// Image names carry slashes and colons, so the route uses a wildcard
	// and the value arrives path-escaped.
	img := chi.URLParam(r, "*")
	if unescaped, err := url.PathUnescape(img); err == nil {
		img = unescaped
	}
	if img == "" {
		writeError(w, http.StatusBadRequest, "image required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"images": c.Store.RemoveImage(img)})
}

type sshSessionInfo struct {
	ID           string      `json:"id"`
	Title        string      `json:"title"`
	Params       interface{} `json:"params"`
	CreatedAt    string      `json:"created_at"`
	LastActivity string      `json:"last_activity"`
}

func (c *Catalog) ListSSHSessions(w http.ResponseWriter, r *http.Request) {
	sessions := c.SSH.List()
	resp := make([]sshSessionInfo, len(sessions))
	for i, s := range sessions {
		resp[i] = sshSessionInfo{
			ID:           s.ID,
			Title:        s.Title,
			Params:       s.Safe(),
			CreatedAt:    s.CreatedAt.UTC().Format(time.RFC3339),
			LastActivity: s.LastActivity().UTC().Format(time.RFC3339),
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": resp})
}
