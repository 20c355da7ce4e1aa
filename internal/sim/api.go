package sim

import (
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/snapsend/snapsend/internal/redact"
)

// connectFormLimit bounds the small control forms. Uploads stream and are
// not subject to it.
const connectFormLimit = 1 << 20

func (p *Printer) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/connect", p.handleConnect)
		r.Get("/status", p.handleStatus)
		r.Post("/upload", p.handleUpload)
		r.Post("/disconnect", p.handleDisconnect)
	})
	return r
}

// handleConnect hands out tokens. A known token is simply confirmed, which
// is what lets hosts skip the touchscreen prompt on reconnect; an unknown or
// refused one gets 403 so the host starts over clean.
func (p *Printer) handleConnect(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(connectFormLimit); err != nil {
		http.Error(w, "malformed form", http.StatusBadRequest)
		return
	}

	offered := r.FormValue("token")
	if offered != "" {
		st, ok := p.auth.lookup(offered)
		if !ok || st == authDenied {
			p.auth.forget(offered)
			w.WriteHeader(http.StatusForbidden)
			return
		}
		p.log.Debug().Str("token", redact.Token(offered)).Msg("reconnect with known token")
		writeJSON(w, map[string]string{"token": offered})
		return
	}

	token, err := p.auth.mint()
	if err != nil {
		http.Error(w, "token generation failed", http.StatusInternalServerError)
		return
	}
	p.scheduleDecision(token)
	p.log.Info().Str("token", redact.Token(token)).Msg("connect request pending")
	writeJSON(w, map[string]string{"token": token})
}

// scheduleDecision arranges the standing operator answer for a fresh grant.
// Ignore mode leaves it pending for Authorize or Reject.
func (p *Printer) scheduleDecision(token string) {
	var st authState
	switch p.opts.Decision {
	case DecisionAccept:
		st = authAuthorized
	case DecisionDeny:
		st = authDenied
	default:
		return
	}

	time.AfterFunc(p.opts.DecisionDelay, func() {
		if p.ctx.Err() != nil {
			return
		}
		if p.auth.setState(token, st) {
			p.log.Info().Str("token", redact.Token(token)).
				Bool("authorized", st == authAuthorized).Msg("operator decided")
		}
	})
}

func (p *Printer) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, ok := p.auth.lookup(r.URL.Query().Get("token"))
	if !ok {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	switch st {
	case authPending:
		w.WriteHeader(http.StatusNoContent)
	case authDenied:
		w.WriteHeader(http.StatusUnauthorized)
	default:
		p.mu.Lock()
		status := p.status
		p.mu.Unlock()
		writeJSON(w, struct {
			Status string `json:"status"`
			Serial string `json:"serial,omitempty"`
		}{Status: status, Serial: p.opts.Serial})
	}
}

// handleUpload streams the multipart body rather than buffering the form,
// so fault injection can cut the connection partway through.
func (p *Printer) handleUpload(w http.ResponseWriter, r *http.Request) {
	if p.opts.DropUploadAfter > 0 {
		io.CopyN(io.Discard, r.Body, p.opts.DropUploadAfter)
		p.log.Warn().Int64("after_bytes", p.opts.DropUploadAfter).Msg("dropping upload connection")
		if hj, ok := w.(http.Hijacker); ok {
			if conn, _, err := hj.Hijack(); err == nil {
				conn.Close()
			}
		}
		return
	}

	mr, err := r.MultipartReader()
	if err != nil {
		http.Error(w, "malformed form", http.StatusBadRequest)
		return
	}

	authorized := false
	var name string
	var data []byte
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			// Client went away mid-body; nothing sensible to answer.
			return
		}

		switch part.FormName() {
		case "token":
			b, err := io.ReadAll(part)
			if err != nil {
				return
			}
			st, ok := p.auth.lookup(string(b))
			if !ok || st != authAuthorized {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			authorized = true
		case "file":
			if !authorized {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			name = part.FileName()
			if data, err = io.ReadAll(part); err != nil {
				return
			}
		default:
			io.Copy(io.Discard, part)
		}
	}

	if name == "" {
		http.Error(w, "missing file", http.StatusBadRequest)
		return
	}

	p.record(name, data)
	p.log.Info().Str("filename", name).Int("size", len(data)).Msg("received file")
}

func (p *Printer) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(connectFormLimit); err != nil {
		http.Error(w, "malformed form", http.StatusBadRequest)
		return
	}
	// The grant stays valid so the host reconnects without a new prompt.
	p.log.Debug().Str("token", redact.Token(r.FormValue("token"))).Msg("host disconnected")
}

// record remembers an accepted upload and, when configured, writes it out.
func (p *Printer) record(name string, data []byte) {
	if p.opts.SaveDir != "" {
		path := filepath.Join(p.opts.SaveDir, filepath.Base(name))
		if err := os.WriteFile(path, data, 0o644); err != nil {
			p.log.Warn().Err(err).Str("path", path).Msg("failed to save upload")
		}
	}

	p.mu.Lock()
	p.received = append(p.received, ReceivedFile{Name: name, Size: int64(len(data)), Data: data})
	if len(p.received) > retainedFiles {
		p.received = p.received[len(p.received)-retainedFiles:]
	}
	p.mu.Unlock()
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
