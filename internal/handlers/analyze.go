package handlers

import (
	"net/http"

	"github.com/opsbridge/sshbroker/internal/rewrite"
)

type analyzeRequest struct {
	Command string `json:"command"`
	Profile string `json:"profile"`
}

// AnalyzeCommand previews how a command would be transformed before
// execution, without running anything. When a profile is named, its sudo
// password availability and auto-fix setting shape the preview; otherwise
// the preview assumes a password is available and auto-fix is on.
func AnalyzeCommand(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Command == "" {
		writeError(w, http.StatusBadRequest, "command is required")
		return
	}

	hasSecret, autoFix := true, true
	if req.Profile != "" {
		prof, err := Profiles.Resolve(req.Profile)
		if err != nil {
			writeSessionError(w, err)
			return
		}
		hasSecret = prof.HasSudoPassword()
		autoFix = prof.AutoSudoFix
	}

	res := rewrite.Rewrite(req.Command, hasSecret, autoFix)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"command":           req.Command,
		"rewritten_command": res.Command,
		"rewritten":         res.Rewritten,
		"privileged":        rewrite.Detect(req.Command),
		"secret_feeds":      res.SecretFeeds,
	})
}
