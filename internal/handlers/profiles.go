package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// ListProfiles returns the non-secret view of every configured profile.
// Hostnames, usernames and credential material never leave the server;
// credentials are reduced to presence booleans.
func ListProfiles(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"profiles":        Profiles.List(),
		"default_profile": Profiles.DefaultProfile(),
		"metadata":        Profiles.Metadata(),
	})
}

// ProfileInfo returns the non-secret view of one profile.
func ProfileInfo(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	info, err := Profiles.Info(name)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// ReloadProfiles forces a re-read of the profiles file, bypassing the mtime
// check. Existing sessions keep the profile they were connected with.
func ReloadProfiles(w http.ResponseWriter, r *http.Request) {
	if err := Profiles.Reload(); err != nil {
		writeError(w, http.StatusInternalServerError, "reload failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"reloaded": true,
		"metadata": Profiles.Metadata(),
	})
}
