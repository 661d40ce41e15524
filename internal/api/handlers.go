package api

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/settleline/payflow/internal/core"
	"github.com/settleline/payflow/internal/store"
)

// decodeJSON strictly decodes a request body.
func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return core.NewFailure(core.ErrValidation, "BAD_JSON", "request body: %v", err)
	}
	return nil
}

// maxUploadBytes caps an invoice upload at 32 MiB.
const maxUploadBytes = 32 << 20

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"ts":     time.Now().UTC(),
	})
}

// uploadResponse is the upload acknowledgement.
type uploadResponse struct {
	BatchID          string `json:"batch_id"`
	WorkflowID       string `json:"workflow_id"`
	RecordsProcessed int    `json:"records_processed"`
	RecordsRejected  int    `json:"records_rejected"`
}

// handleUpload accepts a multipart invoice file, parses it, persists
// the raw upload and starts the batch workflow.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, core.NewFailure(core.ErrValidation, "BAD_MULTIPART", "multipart parse failed: %v", err))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, core.NewFailure(core.ErrValidation, "MISSING_FILE", "form field 'file' is required"))
		return
	}
	defer file.Close()
	data, err := io.ReadAll(io.LimitReader(file, maxUploadBytes))
	if err != nil {
		writeError(w, core.NewFailure(core.ErrSystem, "READ_FAILED", "upload read failed: %v", err))
		return
	}

	tenantID := r.FormValue("tenant_id")
	if tenantID == "" {
		writeError(w, core.NewFailure(core.ErrValidation, "MISSING_TENANT", "form field 'tenant_id' is required"))
		return
	}
	batchID := r.FormValue("batch_id")
	if batchID == "" {
		batchID = "B-" + uuid.NewString()
	}

	res, err := s.ingestor.Ingest(r.Context(), batchID, header.Filename, data)
	if err != nil {
		writeError(w, err)
		return
	}

	if s.objects != nil {
		key := store.RawInvoiceKey(tenantID, batchID, header.Filename)
		if err := s.objects.Put(r.Context(), key, data); err != nil {
			log.WithError(err).WithField("key", key).Warn("raw invoice archive failed")
		}
	}

	batch := &core.Batch{
		BatchID:       batchID,
		TenantID:      tenantID,
		Source:        core.SourceFrontend,
		UploadTS:      time.Now().UTC(),
		PolicyVersion: s.cfg.Policy.PolicyVersion,
	}
	wfID, started, err := s.orch.StartBatch(r.Context(), batch, res.Lines)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := uploadResponse{BatchID: batchID, WorkflowID: wfID}
	if started {
		resp.RecordsProcessed = len(res.Lines)
		resp.RecordsRejected = len(res.Rejected)
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) handleWorkflowStatus(w http.ResponseWriter, r *http.Request) {
	ws, err := s.orch.GetWorkflowStatus(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ws)
}

func (s *Server) handleAgents(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"agents": s.orch.ListAgents(),
	})
}

// resolveLine maps a transaction id onto its line.
func (s *Server) resolveLine(r *http.Request) (*core.Line, error) {
	line, err := s.store.FindLineByTransactionID(r.Context(), mux.Vars(r)["id"])
	if err == store.ErrNotFound {
		return nil, core.NewFailure(core.ErrValidation, "UNKNOWN_TRANSACTION", "transaction not found")
	}
	return line, err
}

// handleTransaction resolves a transaction id and serves the full
// cross-agent evidence bundle, ledger pair and audit trail included.
func (s *Server) handleTransaction(w http.ResponseWriter, r *http.Request) {
	line, err := s.resolveLine(r)
	if err != nil {
		writeError(w, err)
		return
	}
	ev, err := s.query.Collect(r.Context(), line.BatchID, line.LineID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

// handleTransactionNarrative renders the evidence as the operator- and
// regulator-facing chronological account.
func (s *Server) handleTransactionNarrative(w http.ResponseWriter, r *http.Request) {
	line, err := s.resolveLine(r)
	if err != nil {
		writeError(w, err)
		return
	}
	text, err := s.query.Narrative(r.Context(), line.BatchID, line.LineID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"transaction_id": line.TransactionID,
		"narrative":      text,
	})
}

// handleTransactionList lists the lines of one batch; the batch_id
// query parameter is required since lines are stored per batch.
func (s *Server) handleTransactionList(w http.ResponseWriter, r *http.Request) {
	batchID := r.URL.Query().Get("batch_id")
	if batchID == "" {
		writeError(w, core.NewFailure(core.ErrValidation, "MISSING_BATCH_ID", "query parameter 'batch_id' is required"))
		return
	}
	lines, err := s.store.ListLines(r.Context(), batchID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"batch_id":     batchID,
		"transactions": lines,
	})
}

func (s *Server) handleBatchLines(w http.ResponseWriter, r *http.Request) {
	batchID := mux.Vars(r)["id"]
	lines, err := s.store.ListLines(r.Context(), batchID)
	if err != nil {
		writeError(w, err)
		return
	}
	rejected, err := s.store.ListRejectedRecords(r.Context(), batchID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"batch_id": batchID,
		"lines":    lines,
		"rejected": rejected,
	})
}

func (s *Server) handleBatchAudit(w http.ResponseWriter, r *http.Request) {
	batchID := mux.Vars(r)["id"]
	evts, err := s.store.ListAudit(r.Context(), batchID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"batch_id": batchID,
		"events":   evts,
	})
}

// overrideRequest carries the signed operator token.
type overrideRequest struct {
	LineID string `json:"line_id"`
	Token  string `json:"token"`
}

func (s *Server) handleOverride(w http.ResponseWriter, r *http.Request) {
	var req overrideRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.LineID == "" || req.Token == "" {
		writeError(w, core.NewFailure(core.ErrValidation, "MISSING_FIELDS", "line_id and token are required"))
		return
	}
	if err := s.orch.ApplyOverride(r.Context(), mux.Vars(r)["id"], req.LineID, req.Token); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"line_id": req.LineID,
		"status":  "override_accepted",
	})
}

// handleEventStream upgrades to a websocket and relays the event bus
// until the client disconnects.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	defer conn.Close()

	var types []string
	if t := r.URL.Query()["type"]; len(t) > 0 {
		types = t
	}
	ch := s.bus.Subscribe(types...)
	defer s.bus.Unsubscribe(ch)

	// Reader goroutine: detect client close.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteJSON(evt); err != nil {
				return
			}
		}
	}
}
