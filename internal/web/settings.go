package web

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"lossly-go/internal/models"
	"lossly-go/internal/service"
)

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.backend.GetSettings(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, APIResponse{Success: true, Data: settings})
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req service.SettingsUpdate
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.backend.UpdateSettings(r.Context(), req); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, APIResponse{Success: true, Message: "Settings saved successfully"})
}

func (s *Server) handleResetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.backend.ResetSettings(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, APIResponse{Success: true, Data: settings})
}

func (s *Server) handleListPresets(w http.ResponseWriter, r *http.Request) {
	settings, err := s.backend.GetSettings(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	presets := settings.Presets
	if presets == nil {
		presets = []models.Preset{}
	}
	s.writeJSON(w, APIResponse{Success: true, Data: presets})
}

func (s *Server) handleAddPreset(w http.ResponseWriter, r *http.Request) {
	var req models.Preset
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	preset, err := s.backend.AddPreset(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, APIResponse{Success: true, Data: preset})
}

func (s *Server) handleDeletePreset(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.backend.DeletePreset(r.Context(), id); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, APIResponse{Success: true, Data: map[string]string{"id": id}})
}
