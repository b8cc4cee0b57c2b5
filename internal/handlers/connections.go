package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/opsbridge/sshbroker/internal/audit"
	"github.com/opsbridge/sshbroker/internal/profile"
	"github.com/opsbridge/sshbroker/internal/session"
)

// Sessions and Profiles are set from main.go during init.
var (
	Sessions *session.Manager
	Profiles *profile.Store
)

type connectRequest struct {
	Handle    string            `json:"handle"`
	Profile   string            `json:"profile"`
	Overrides profile.Overrides `json:"overrides"`
}

// Connect establishes a session for the named profile under a caller-chosen
// handle. The response identifies the connection by handle and profile name
// only; no address or credential ever appears in it.
func Connect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Handle == "" {
		writeError(w, http.StatusBadRequest, "handle is required")
		return
	}
	name := req.Profile
	if name == "" {
		name = Profiles.DefaultProfile()
	}
	if name == "" {
		writeError(w, http.StatusBadRequest, "profile is required and no default profile is configured")
		return
	}

	prof, err := Profiles.Resolve(name)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	if err := req.Overrides.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	prof = req.Overrides.Apply(prof)

	s, err := Sessions.Connect(r.Context(), req.Handle, prof)
	if err != nil {
		writeSessionError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"handle":  s.Handle(),
		"profile": s.ProfileName(),
		"state":   s.State().String(),
	})
}

// ListConnections returns a snapshot of all live sessions.
func ListConnections(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"connections": Sessions.List(),
	})
}

// Disconnect closes a session. Unknown handles are a no-op so the call is
// idempotent.
func Disconnect(w http.ResponseWriter, r *http.Request) {
	handle := chi.URLParam(r, "handle")
	Sessions.Disconnect(handle)
	writeJSON(w, http.StatusOK, map[string]string{"disconnected": handle})
}

type executeRequest struct {
	Command          string  `json:"command"`
	WorkingDirectory string  `json:"working_directory"`
	TimeoutSeconds   float64 `json:"timeout_seconds"`
}

// Execute runs one command on a session and audits the attempt.
func Execute(w http.ResponseWriter, r *http.Request) {
	handle := chi.URLParam(r, "handle")
	var req executeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Command == "" {
		writeError(w, http.StatusBadRequest, "command is required")
		return
	}
	if req.TimeoutSeconds < 0 {
		writeError(w, http.StatusBadRequest, "timeout_seconds must be positive")
		return
	}

	res, err := Sessions.Execute(r.Context(), handle, session.Request{
		Command:          req.Command,
		WorkingDirectory: req.WorkingDirectory,
		Timeout:          time.Duration(req.TimeoutSeconds * float64(time.Second)),
	})
	auditResult(handle, "execute", req.Command, res, err)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type executeBatchRequest struct {
	Commands         []string `json:"commands"`
	WorkingDirectory string   `json:"working_directory"`
	TimeoutSeconds   float64  `json:"timeout_seconds"`
	StopOnError      bool     `json:"stop_on_error"`
}

// ExecuteBatch runs several commands in order on one session.
func ExecuteBatch(w http.ResponseWriter, r *http.Request) {
	handle := chi.URLParam(r, "handle")
	var req executeBatchRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.Commands) == 0 {
		writeError(w, http.StatusBadRequest, "commands is required")
		return
	}
	for _, c := range req.Commands {
		if c == "" {
			writeError(w, http.StatusBadRequest, "commands must not contain empty entries")
			return
		}
	}

	out, err := Sessions.ExecuteBatch(r.Context(), handle, session.BatchRequest{
		Commands:         req.Commands,
		WorkingDirectory: req.WorkingDirectory,
		Timeout:          time.Duration(req.TimeoutSeconds * float64(time.Second)),
		StopOnError:      req.StopOnError,
	})
	for _, res := range out.Results {
		auditResult(handle, "batch", res.Command, res, nil)
	}
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// Recover forces the interrupt-probe-reconnect sequence on a session.
func Recover(w http.ResponseWriter, r *http.Request) {
	handle := chi.URLParam(r, "handle")
	state, err := Sessions.Recover(handle)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"handle": handle,
		"state":  state,
	})
}

// SudoTest probes whether non-interactive sudo works on a session.
func SudoTest(w http.ResponseWriter, r *http.Request) {
	handle := chi.URLParam(r, "handle")
	report, err := Sessions.TestSudo(r.Context(), handle)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// SessionEvents returns the recent lifecycle events and state transitions of
// one session.
func SessionEvents(w http.ResponseWriter, r *http.Request) {
	handle := chi.URLParam(r, "handle")
	events, transitions, err := Sessions.Events(handle)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"handle":      handle,
		"events":      events,
		"transitions": transitions,
	})
}

// auditResult persists the attempt. The caller's command text is stored,
// never the rewritten line, so sudo handling leaves no trace of how secrets
// are delivered.
func auditResult(handle, phase, command string, res session.Result, err error) {
	rec := audit.Record{
		Handle:         handle,
		Phase:          phase,
		Command:        command,
		Rewritten:      res.Rewritten,
		Recovered:      res.Recovered,
		ExitStatus:     res.ExitStatus,
		ElapsedSeconds: res.ElapsedSeconds,
	}
	if s, ok := sessionProfile(handle); ok {
		rec.Profile = s
	}
	if err != nil {
		rec.Error = err.Error()
	}
	audit.Log(rec)
}

func sessionProfile(handle string) (string, bool) {
	for _, info := range Sessions.List() {
		if info.Handle == handle {
			return info.Profile, true
		}
	}
	return "", false
}
