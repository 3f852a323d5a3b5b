package api

import (
	"net/http"

	"github.com/flowpbx/rcschat/internal/api/middleware"
	"github.com/flowpbx/rcschat/internal/database"
)

// settingsResponse is the shape returned by GET /settings.
type settingsResponse struct {
	CPMEnabled  bool `json:"cpm_enabled"`
	OP01Enabled bool `json:"op01_enabled"`
	SecureMSRP  bool `json:"secure_msrp"`
}

// settingsRequest is the shape accepted by PUT /settings. Omitted fields
// keep their current value.
type settingsRequest struct {
	CPMEnabled  *bool `json:"cpm_enabled"`
	OP01Enabled *bool `json:"op01_enabled"`
	SecureMSRP  *bool `json:"secure_msrp"`
}

func (s *Server) currentSettings(r *http.Request) settingsResponse {
	flags := s.settings.Flags(r.Context())
	return settingsResponse{
		CPMEnabled:  flags[database.SettingCPMEnabled],
		OP01Enabled: flags[database.SettingOP01Enabled],
		SecureMSRP:  flags[database.SettingSecureMSRP],
	}
}

// handleGetSettings returns the effective messaging feature flags.
func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.currentSettings(r))
}

// handleUpdateSettings stores the given feature flags. New values apply to
// the next decision point of every session.
func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req settingsRequest
	if msg := readJSON(r, &req); msg != "" {
		writeError(w, r, http.StatusBadRequest, msg)
		return
	}

	updates := []struct {
		key   string
		value *bool
	}{
		{database.SettingCPMEnabled, req.CPMEnabled},
		{database.SettingOP01Enabled, req.OP01Enabled},
		{database.SettingSecureMSRP, req.SecureMSRP},
	}
	for _, u := range updates {
		if u.value == nil {
			continue
		}
		if err := s.settings.SetFlag(r.Context(), u.key, *u.value); err != nil {
			s.logger.Error("failed to update setting", "key", u.key, "error", err)
			writeError(w, r, http.StatusInternalServerError, "failed to update settings")
			return
		}
		s.logger.Info("setting updated",
			"key", u.key,
			"value", *u.value,
			"operator", middleware.OperatorFromContext(r.Context()),
		)
	}

	writeJSON(w, http.StatusOK, s.currentSettings(r))
}
