package web

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"lossly-go/internal/models"
	"lossly-go/internal/service"
	"lossly-go/internal/storage"
	"lossly-go/internal/task"
)

func (s *Server) handleListHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	entries, err := s.backend.ListHistory(r.Context(), storage.HistoryFilter{
		Limit:  limit,
		Offset: offset,
		Type:   r.URL.Query().Get("type"),
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if entries == nil {
		entries = []models.HistoryEntry{}
	}
	s.writeJSON(w, APIResponse{Success: true, Data: entries})
}

func (s *Server) handleHistoryStats(w http.ResponseWriter, r *http.Request) {
	from, err := queryTime(r, "startDate")
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	to, err := queryTime(r, "endDate")
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	stats, err := s.backend.HistoryStats(r.Context(), from, to)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, APIResponse{
		Success: true,
		Data:    stats,
		Message: stats.GetSummary(),
	})
}

func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	entry, err := s.backend.GetHistory(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, APIResponse{Success: true, Data: entry})
}

func (s *Server) handleDeleteHistory(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.backend.DeleteHistory(r.Context(), id); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, APIResponse{Success: true, Data: map[string]string{"id": id}})
}

func (s *Server) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	n, err := s.backend.ClearHistory(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, APIResponse{
		Success: true,
		Message: "History cleared",
		Data:    map[string]int64{"deletedCount": n},
	})
}

func (s *Server) handleCleanHistory(w http.ResponseWriter, r *http.Request) {
	req := CleanRequest{DaysToKeep: 30}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, "Invalid request body", http.StatusBadRequest)
			return
		}
	}

	n, err := s.backend.CleanHistory(r.Context(), req.DaysToKeep)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, APIResponse{
		Success: true,
		Data: map[string]interface{}{
			"daysToKeep":   req.DaysToKeep,
			"deletedCount": n,
		},
	})
}

func (s *Server) handleExportHistory(w http.ResponseWriter, r *http.Request) {
	format := mux.Vars(r)["format"]
	from, err := queryTime(r, "startDate")
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	to, err := queryTime(r, "endDate")
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	entries, err := s.backend.ExportHistory(r.Context(), format, from, to)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	switch format {
	case service.ExportCSV:
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", "attachment; filename=lossly-history.csv")
		if err := service.WriteHistoryCSV(w, entries); err != nil {
			s.log.WithError(err).Error("Failed to write history export")
		}
	case service.ExportJSON:
		if entries == nil {
			entries = []models.HistoryEntry{}
		}
		s.writeJSON(w, APIResponse{Success: true, Data: entries})
	default:
		s.writeServiceError(w, r, task.Invalid("unsupported export format: %s", format))
	}
}
