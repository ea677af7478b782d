package statusd

import (
	"encoding/json"
	"net/http"

	"github.com/julienschmidt/httprouter"
	"github.com/sirupsen/logrus"
)

// statusResponse is the JSON body served by GET /status.
type statusResponse struct {
	Phase        string   `json:"phase"`
	SnapshotName string   `json:"snapshotName,omitempty"`
	Datasets     []string `json:"datasets,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request, _ httprouter.Params, logger *logrus.Entry) {
	status := s.ctrl.Status()

	resp := statusResponse{
		Phase:        string(status.Phase),
		SnapshotName: status.SnapshotName,
	}
	for _, p := range status.Plans {
		resp.Datasets = append(resp.Datasets, p.Dataset)
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.WithError(err).Error("statusd.handleStatus: Failed to encode response")
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
