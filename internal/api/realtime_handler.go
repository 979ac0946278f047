package api

import (
	"net/http"

	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/realtime"
)

// realtimeHandler handles GET /api/realtime?table=&filter=&access_token= and upgrades to a websocket.
func (s *Server) realtimeHandler(w http.ResponseWriter, r *http.Request) {
	if s.auth == nil {
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("Operator authentication is not configured"))
		return
	}
	q := r.URL.Query()
	table := q.Get("table")
	if !realtime.IsKnownTable(table) {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Unknown table"))
		return
	}
	filter, err := realtime.ParseFilter(q.Get("filter"))
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	op, ok := s.authenticate(w, r, q.Get("access_token"))
	if !ok {
		return
	}
	s.hub.Serve(w, r, realtime.Subscription{TenantID: op.TenantID, Table: table, Filter: filter})
}
