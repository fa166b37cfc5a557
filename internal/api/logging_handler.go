package api

import (
	"net/http"

	"github.com/busybox42/elemta-outbound/internal/logging"
)

// LogLevelResponse represents a log level response
type LogLevelResponse struct {
	CurrentLevel string `json:"current_level"`
}

// HandleGetLogLevel returns the current log level
func (s *Server) HandleGetLogLevel(w http.ResponseWriter, r *http.Request) {
	level := logging.GetLogLevelManager().GetLevel()
	writeJSON(w, LogLevelResponse{CurrentLevel: logging.LevelToString(level)})
}
