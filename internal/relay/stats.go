// Aggregated metrics endpoint.
//
// GET /stats returns operational counters plus the per-agent cost ledger.
// Restricted to localhost to keep cost data off the public surface.
package relay

import (
	"encoding/json"
	"net/http"

	"github.com/threadline/relay/internal/costcontrol"
	"github.com/threadline/relay/internal/monitoring"
)

// statsResponse is the JSON response for GET /stats.
type statsResponse struct {
	monitoring.StatsResponse
	Costs struct {
		TotalUSD float64                        `json:"total_usd"`
		Agents   []costcontrol.AgentCostSnapshot `json:"agents"`
	} `json:"costs"`
}

// handleStats returns aggregated metrics as JSON.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if !isLoopback(r.RemoteAddr) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	var resp statsResponse
	if s.orch.metrics != nil {
		resp.StatsResponse = s.orch.metrics.FullStats()
	}
	if s.orch.costs != nil {
		resp.Costs.TotalUSD = s.orch.costs.GlobalCost()
		resp.Costs.Agents = s.orch.costs.Snapshot()
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
