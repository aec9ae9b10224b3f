package httpapi

import (
	"encoding/json"
	"net/http"
)

// statusEventCap bounds the dispatch log slice in the response.
const statusEventCap = 50

// SetStatusSource installs a callback returning per-agent runtime
// status for the diagnostics endpoint. Call before Routes.
func (s *Server) SetStatusSource(fn func() interface{}) {
	s.statuses = fn
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]interface{}{}
	if s.statuses != nil {
		resp["agents"] = s.statuses()
	}
	recent := s.router.Recent()
	if len(recent) > statusEventCap {
		recent = recent[len(recent)-statusEventCap:]
	}
	resp["recent_events"] = recent

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
