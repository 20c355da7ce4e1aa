package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"image"
	"image/png"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/snapsend/snapsend/internal/events"
	"github.com/snapsend/snapsend/internal/gcode"
	"github.com/snapsend/snapsend/internal/transfer"
)

// paramsLimit bounds the optional params JSON part.
const paramsLimit = 64 << 10

type handlers struct {
	deps     Deps
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

// apiError is the JSON error envelope.
type apiError struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handlers) listDevices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Registry.Snapshot())
}

func (h *handlers) getDevice(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.deps.Registry.Get(pathID(r))
	if !ok {
		writeError(w, http.StatusNotFound, "DEVICE_NOT_FOUND", "no such device")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// sendToDevice accepts multipart form data: `file` (required G-code),
// `thumbnail` (optional PNG) and `params` (optional JSON overrides), encodes
// the device payload and starts a session. Replies 202 with the session
// snapshot; progress is followed via /sessions/{id} or /events.
func (h *handlers) sendToDevice(w http.ResponseWriter, r *http.Request) {
	id := pathID(r)

	mr, err := r.MultipartReader()
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "expected multipart form data")
		return
	}

	var data, thumbPNG, paramsJSON []byte
	var filename string
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			writeError(w, http.StatusBadRequest, "BAD_REQUEST", "malformed form")
			return
		}

		switch part.FormName() {
		case "file":
			filename = part.FileName()
			data, err = io.ReadAll(part)
		case "thumbnail":
			thumbPNG, err = io.ReadAll(part)
		case "params":
			paramsJSON, err = io.ReadAll(io.LimitReader(part, paramsLimit))
		default:
			_, err = io.Copy(io.Discard, part)
		}
		if err != nil {
			writeError(w, http.StatusBadRequest, "BAD_REQUEST", "truncated form part")
			return
		}
	}

	if len(data) == 0 {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "missing file part")
		return
	}

	p := gcode.ParseParams(data)
	if len(paramsJSON) > 0 {
		var overrides sendParams
		if err := json.Unmarshal(paramsJSON, &overrides); err != nil {
			writeError(w, http.StatusBadRequest, "BAD_REQUEST", "malformed params JSON")
			return
		}
		p = overrides.apply(p)
	}

	var thumb image.Image
	if len(thumbPNG) > 0 {
		if thumb, err = png.Decode(bytes.NewReader(thumbPNG)); err != nil {
			writeError(w, http.StatusBadRequest, "BAD_REQUEST", "thumbnail is not a PNG")
			return
		}
	}

	payload, err := gcode.Encode(p, thumb, data)
	if err != nil {
		h.log.Error().Err(err).Msg("payload encode failed")
		writeError(w, http.StatusInternalServerError, "INTERNAL", "payload encoding failed")
		return
	}
	if filename == "" {
		filename = gcode.BuildFilename(p.JobName, p.Material, p.PrintTime)
	}

	s, err := h.deps.Manager.Send(id, transfer.Payload{Filename: filename, Data: payload})
	switch {
	case errors.Is(err, transfer.ErrDeviceNotFound):
		writeError(w, http.StatusNotFound, "DEVICE_NOT_FOUND", "no such device")
		return
	case errors.Is(err, transfer.ErrDeviceBusy):
		writeError(w, http.StatusConflict, "DEVICE_BUSY", "a transfer to this device is already running")
		return
	case errors.Is(err, transfer.ErrShuttingDown):
		writeError(w, http.StatusServiceUnavailable, "SHUTTING_DOWN", "daemon is shutting down")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, s.Snapshot())
}

// cancelDevice asks the device's running session to stop. Idle devices
// answer 200 with cancelled=false rather than an error, so callers can fire
// it without checking first.
func (h *handlers) cancelDevice(w http.ResponseWriter, r *http.Request) {
	id := pathID(r)
	if _, ok := h.deps.Registry.Get(id); !ok {
		writeError(w, http.StatusNotFound, "DEVICE_NOT_FOUND", "no such device")
		return
	}

	_, running := h.deps.Manager.ActiveSession(id)
	h.deps.Manager.Cancel(id)
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": running})
}

func (h *handlers) listSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Manager.Sessions())
}

func (h *handlers) getSession(w http.ResponseWriter, r *http.Request) {
	s, ok := h.deps.Manager.Session(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "SESSION_NOT_FOUND", "no such session")
		return
	}
	writeJSON(w, http.StatusOK, s.Snapshot())
}

func (h *handlers) listHistory(w http.ResponseWriter, r *http.Request) {
	if h.deps.History == nil {
		writeJSON(w, http.StatusOK, []events.SessionSnapshot{})
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	var rows []events.SessionSnapshot
	var err error
	if device := r.URL.Query().Get("device"); device != "" {
		rows, err = h.deps.History.ListByDevice(device, limit)
	} else {
		rows, err = h.deps.History.List(limit)
	}
	if err != nil {
		h.log.Error().Err(err).Msg("history query failed")
		writeError(w, http.StatusInternalServerError, "INTERNAL", "history query failed")
		return
	}
	if rows == nil {
		rows = []events.SessionSnapshot{}
	}
	writeJSON(w, http.StatusOK, rows)
}

// sendParams are optional caller overrides for values the G-code preamble
// does not carry, like the job name shown on the touchscreen.
type sendParams struct {
	JobName     string  `json:"job_name"`
	Material    string  `json:"material"`
	PrintTimeS  float64 `json:"print_time_s"`
	NozzleTemp  float64 `json:"nozzle_temperature_c"`
	BedTemp     float64 `json:"build_plate_temperature_c"`
	PrintSpeed  float64 `json:"work_speed_mm_s"`
	LayerHeight float64 `json:"layer_height_mm"`
}

func (o sendParams) apply(p gcode.Params) gcode.Params {
	if o.JobName != "" {
		p.JobName = o.JobName
	}
	if o.Material != "" {
		p.Material = o.Material
	}
	if o.PrintTimeS > 0 {
		p.PrintTime = time.Duration(o.PrintTimeS * float64(time.Second))
	}
	if o.NozzleTemp > 0 {
		p.NozzleTemp = o.NozzleTemp
	}
	if o.BedTemp > 0 {
		p.BedTemp = o.BedTemp
	}
	if o.PrintSpeed > 0 {
		p.PrintSpeed = o.PrintSpeed
	}
	if o.LayerHeight > 0 {
		p.LayerHeight = o.LayerHeight
	}
	return p
}

// pathID returns the {id} segment with percent-escapes undone; device ids
// carry spaces and @.
func pathID(r *http.Request) string {
	raw := chi.URLParam(r, "id")
	if id, err := url.PathUnescape(raw); err == nil {
		return id
	}
	return raw
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, reason, msg string) {
	writeJSON(w, status, apiError{Error: msg, Reason: reason})
}
