// Package orchestrator is the master control plane: it accepts
// batches, drives every line through its per-intent pipeline over a
// bounded worker pool, persists all agent decisions, and keeps the
// audit chain and event stream ahead of every state write.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/settleline/payflow/internal/acc"
	"github.com/settleline/payflow/internal/arl"
	"github.com/settleline/payflow/internal/audit"
	"github.com/settleline/payflow/internal/config"
	"github.com/settleline/payflow/internal/core"
	"github.com/settleline/payflow/internal/crrak"
	"github.com/settleline/payflow/internal/events"
	"github.com/settleline/payflow/internal/intent"
	"github.com/settleline/payflow/internal/metrics"
	"github.com/settleline/payflow/internal/pdr"
	"github.com/settleline/payflow/internal/rca"
	"github.com/settleline/payflow/internal/store"
)

const eventSource = "payflow/orchestrator"

// Deps are the collaborators the orchestrator dispatches to.
type Deps struct {
	Store      store.Store
	Objects    store.ObjectStore
	Bus        events.Emitter
	Audit      *audit.Log
	Classifier *intent.Classifier
	Compliance *acc.Adapter
	Engine     *pdr.Engine
	Executor   *pdr.Executor
	Reconciler *arl.Reconciler
	Analyzer   *rca.Analyzer
	Composer   *crrak.Composer
}

// WorkflowStatus is the read-only snapshot served to callers.
type WorkflowStatus struct {
	WorkflowID   string            `json:"workflow_id"`
	BatchID      string            `json:"batch_id"`
	Status       string            `json:"status"` // RUNNING, COMPLETED, CANCELLED
	CurrentLayer string            `json:"current_layer"`
	CurrentAgent string            `json:"current_agent"`
	LastUpdate   time.Time         `json:"last_update"`
	Errors       []string          `json:"errors"`
	LineStates   map[string]string `json:"line_states"`
}

// workflow is the in-memory tracking record for one batch run.
type workflow struct {
	id       string
	batchID  string
	tenantID string

	mu           sync.Mutex
	status       string
	currentLayer string
	currentAgent string
	lastUpdate   time.Time
	errors       []string
	lineStates   map[string]LineState
	overridden   map[string]bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	done   chan struct{} // closed when the initial batch run settles
}

func (w *workflow) setLine(lineID string, st LineState) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lineStates[lineID] = st
	w.currentLayer = string(st)
	w.lastUpdate = time.Now()
}

func (w *workflow) line(lineID string) LineState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lineStates[lineID]
}

func (w *workflow) setAgent(name string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.currentAgent = name
	w.lastUpdate = time.Now()
}

func (w *workflow) addError(msg string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.errors = append(w.errors, msg)
}

// Orchestrator is the master control process.
type Orchestrator struct {
	cfg  *config.Config
	deps Deps

	sem      chan struct{}
	batchSem chan struct{}
	agents   *statusBoard

	mu         sync.Mutex
	workflows  map[string]*workflow // workflow_id -> workflow
	byBatch    map[string]string    // batch_id -> workflow_id
	seenEvents map[string]struct{}
}

// New creates an orchestrator with the configured line and batch
// parallelism.
func New(cfg *config.Config, deps Deps) *Orchestrator {
	parallelism := cfg.Scheduling.LineParallelism
	if parallelism <= 0 {
		parallelism = 8
	}
	batches := cfg.Scheduling.BatchParallelism
	if batches <= 0 {
		batches = 4
	}
	return &Orchestrator{
		cfg:        cfg,
		deps:       deps,
		sem:        make(chan struct{}, parallelism),
		batchSem:   make(chan struct{}, batches),
		agents:     newStatusBoard(AgentIntent, AgentACC, AgentPDR, AgentARL, AgentRCA, AgentCRRAK),
		workflows:  make(map[string]*workflow),
		byBatch:    make(map[string]string),
		seenEvents: make(map[string]struct{}),
	}
}

// ============================================================================
// PUBLIC OPERATIONS
// ============================================================================

// StartBatch durably persists the batch and its lines, then schedules
// processing and returns the workflow id with started=true. Submitting
// the same batch_id again returns the original workflow id and
// started=false; the replay leaves a duplicate_batch audit entry and
// persists nothing.
func (o *Orchestrator) StartBatch(ctx context.Context, batch *core.Batch, lines []*core.Line) (string, bool, error) {
	o.mu.Lock()
	if wfID, ok := o.byBatch[batch.BatchID]; ok {
		o.mu.Unlock()
		if _, err := o.deps.Audit.Append(ctx, batch.BatchID, "", core.ActorMCP, "duplicate_batch",
			map[string]interface{}{"workflow_id": wfID}); err != nil {
			log.WithError(err).Error("duplicate batch audit failed")
		}
		o.deps.Bus.Emit(events.TypeDuplicateBatch, eventSource, batch.BatchID,
			map[string]interface{}{"batch_id": batch.BatchID, "workflow_id": wfID})
		log.WithFields(log.Fields{"batch_id": batch.BatchID, "workflow_id": wfID}).
			Info("duplicate batch submission, returning original workflow")
		return wfID, false, nil
	}
	wfID := "wf-" + uuid.NewString()
	o.byBatch[batch.BatchID] = wfID
	o.mu.Unlock()

	batch.LineCount = len(lines)
	if err := o.deps.Store.PutBatch(ctx, batch); err != nil {
		return "", false, fmt.Errorf("persist batch %s: %w", batch.BatchID, err)
	}
	for _, l := range lines {
		l.Status = core.LinePending
		if err := o.deps.Store.PutLine(ctx, l); err != nil {
			return "", false, fmt.Errorf("persist line %s: %w", l.LineID, err)
		}
	}

	if _, err := o.deps.Audit.Append(ctx, batch.BatchID, "", core.ActorMCP, "invoice_received",
		map[string]interface{}{"line_count": len(lines), "source": batch.Source, "workflow_id": wfID}); err != nil {
		return "", false, err
	}
	o.deps.Bus.Emit(events.TypeInvoiceReceived, eventSource, batch.BatchID,
		map[string]interface{}{"batch_id": batch.BatchID, "workflow_id": wfID, "line_count": len(lines)})
	metrics.BatchesIngested.WithLabelValues(string(batch.Source)).Inc()

	wfCtx, cancel := context.WithCancel(context.Background())
	wf := &workflow{
		id: wfID, batchID: batch.BatchID, tenantID: batch.TenantID,
		status: "RUNNING", lastUpdate: time.Now(),
		lineStates: make(map[string]LineState),
		overridden: make(map[string]bool),
		ctx:        wfCtx, cancel: cancel,
		done: make(chan struct{}),
	}
	for _, l := range lines {
		wf.lineStates[l.LineID] = StateInitialized
	}
	o.mu.Lock()
	o.workflows[wfID] = wf
	o.mu.Unlock()

	metrics.ActiveWorkflows.Inc()
	go o.runBatch(wf, batch, lines)
	return wfID, true, nil
}

// runBatch fans the batch's lines out over the worker pool and closes
// the workflow when every line has reached a durable terminal state.
// Admission waits on the batch semaphore, so at most BatchParallelism
// batches have lines in flight at once.
func (o *Orchestrator) runBatch(wf *workflow, batch *core.Batch, lines []*core.Line) {
	defer close(wf.done)

	admitted := false
	select {
	case o.batchSem <- struct{}{}:
		admitted = true
	case <-wf.ctx.Done():
	}
	if admitted {
		defer func() { <-o.batchSem }()
		for _, l := range lines {
			if wf.ctx.Err() != nil {
				break
			}
			line := l
			wf.wg.Add(1)
			go func() {
				defer wf.wg.Done()
				select {
				case o.sem <- struct{}{}:
					defer func() { <-o.sem }()
				case <-wf.ctx.Done():
					return
				}
				o.processLine(wf.ctx, wf, batch, line)
			}()
		}
	}
	wf.wg.Wait()

	wf.mu.Lock()
	if wf.status == "RUNNING" {
		wf.status = "COMPLETED"
	}
	status := wf.status
	wf.mu.Unlock()

	metrics.ActiveWorkflows.Dec()
	if _, err := o.deps.Audit.Append(context.Background(), batch.BatchID, "", core.ActorMCP,
		"batch_completed", map[string]interface{}{"workflow_id": wf.id, "status": status}); err != nil {
		log.WithError(err).Error("batch completion audit failed")
	}
	o.deps.Bus.Emit(events.TypeBatchCompleted, eventSource, batch.BatchID,
		map[string]interface{}{"batch_id": batch.BatchID, "workflow_id": wf.id, "status": status})
}

// GetWorkflowStatus returns a read-only snapshot.
func (o *Orchestrator) GetWorkflowStatus(workflowID string) (*WorkflowStatus, error) {
	o.mu.Lock()
	wf, ok := o.workflows[workflowID]
	o.mu.Unlock()
	if !ok {
		return nil, core.NewFailure(core.ErrValidation, "UNKNOWN_WORKFLOW", "workflow %s not found", workflowID)
	}

	wf.mu.Lock()
	defer wf.mu.Unlock()
	s := &WorkflowStatus{
		WorkflowID:   wf.id,
		BatchID:      wf.batchID,
		Status:       wf.status,
		CurrentLayer: wf.currentLayer,
		CurrentAgent: wf.currentAgent,
		LastUpdate:   wf.lastUpdate,
		Errors:       append([]string(nil), wf.errors...),
		LineStates:   make(map[string]string, len(wf.lineStates)),
	}
	for id, st := range wf.lineStates {
		s.LineStates[id] = string(st)
	}
	return s, nil
}

// GetAgentStatus returns one agent's health snapshot.
func (o *Orchestrator) GetAgentStatus(name string) (AgentStatus, error) {
	s, ok := o.agents.get(name)
	if !ok {
		return AgentStatus{}, core.NewFailure(core.ErrValidation, "UNKNOWN_AGENT", "agent %s not found", name)
	}
	return s, nil
}

// ListAgents returns every agent's health snapshot.
func (o *Orchestrator) ListAgents() []AgentStatus {
	return o.agents.snapshot()
}

// ExternalEvent is a signed event delivered by an agent or operator
// surface through HandleEvent.
type ExternalEvent struct {
	WorkflowID string                 `json:"workflow_id"`
	EventType  string                 `json:"event_type"`
	LineID     string                 `json:"line_id"`
	Seq        int64                  `json:"seq"`
	Actor      string                 `json:"actor"`
	Detail     map[string]interface{} `json:"detail,omitempty"`
}

// HandleEvent records an external event, idempotent on
// (workflow_id, event_type, line_id, seq). Duplicates are no-ops that
// still leave an audit trace.
func (o *Orchestrator) HandleEvent(ctx context.Context, evt ExternalEvent) error {
	o.mu.Lock()
	wf, ok := o.workflows[evt.WorkflowID]
	if !ok {
		o.mu.Unlock()
		return core.NewFailure(core.ErrValidation, "UNKNOWN_WORKFLOW", "workflow %s not found", evt.WorkflowID)
	}
	key := fmt.Sprintf("%s|%s|%s|%d", evt.WorkflowID, evt.EventType, evt.LineID, evt.Seq)
	_, dup := o.seenEvents[key]
	if !dup {
		o.seenEvents[key] = struct{}{}
	}
	o.mu.Unlock()

	if dup {
		_, err := o.deps.Audit.Append(ctx, wf.batchID, evt.LineID, core.ActorMCP, "duplicate_event",
			map[string]interface{}{"event_type": evt.EventType, "seq": evt.Seq})
		return err
	}
	_, err := o.deps.Audit.Append(ctx, wf.batchID, evt.LineID, core.ActorMCP, "external_event",
		map[string]interface{}{"event_type": evt.EventType, "seq": evt.Seq, "actor": evt.Actor, "detail": evt.Detail})
	return err
}

// CancelBatch stops scheduling new line tasks for a workflow. Lines
// already in flight run to a durable terminal state.
func (o *Orchestrator) CancelBatch(ctx context.Context, workflowID string) error {
	o.mu.Lock()
	wf, ok := o.workflows[workflowID]
	o.mu.Unlock()
	if !ok {
		return core.NewFailure(core.ErrValidation, "UNKNOWN_WORKFLOW", "workflow %s not found", workflowID)
	}
	wf.mu.Lock()
	if wf.status == "RUNNING" {
		wf.status = "CANCELLED"
	}
	wf.mu.Unlock()
	wf.cancel()

	_, err := o.deps.Audit.Append(ctx, wf.batchID, "", core.ActorMCP, "batch_cancelled",
		map[string]interface{}{"workflow_id": workflowID})
	return err
}

// Wait blocks until a workflow's processing goroutines finish,
// including its batch finalization (tests and shutdown).
func (o *Orchestrator) Wait(workflowID string) {
	o.mu.Lock()
	wf, ok := o.workflows[workflowID]
	o.mu.Unlock()
	if !ok {
		return
	}
	<-wf.done
	wf.wg.Wait() // post-batch work, e.g. an override re-run
}

// ============================================================================
// PER-LINE PIPELINE
// ============================================================================

// transition advances the state machine for a line: the audit append
// happens before the visible status write, and the event is emitted
// after both are durable.
func (o *Orchestrator) transition(ctx context.Context, wf *workflow, line *core.Line, outcome StepOutcome) LineState {
	from := wf.line(line.LineID)
	to := Next(from, outcome)
	if to == from {
		return to
	}

	if _, err := o.deps.Audit.Append(ctx, line.BatchID, line.LineID, core.ActorMCP, "line_state_changed",
		map[string]interface{}{"from": from, "to": to, "outcome": outcome}); err != nil {
		log.WithError(err).WithField("line", line.LineID).Error("state-change audit failed")
	}
	if err := o.deps.Store.UpdateLineStatus(ctx, line.BatchID, line.LineID, to.Status()); err != nil {
		log.WithError(err).WithField("line", line.LineID).Error("line status write failed")
	}
	wf.setLine(line.LineID, to)

	o.deps.Bus.Emit(events.TypeLineStateChanged, eventSource, line.BatchID+"/"+line.LineID,
		map[string]interface{}{"line_id": line.LineID, "from": from, "to": to})

	if to.IsTerminal() {
		metrics.LinesTerminal.WithLabelValues(string(to.Status())).Inc()
	}
	return to
}

// persistPhase writes one agent's decision blob to the object store.
// Blob loss is tolerable; the relational record is authoritative.
func (o *Orchestrator) persistPhase(ctx context.Context, wf *workflow, lineID, phase string, v interface{}) {
	if o.deps.Objects == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		log.WithError(err).WithField("phase", phase).Warn("phase blob marshal failed")
		return
	}
	key := store.ProcessedKey(wf.tenantID, wf.batchID, lineID, phase)
	if err := o.deps.Objects.Put(ctx, key, data); err != nil {
		log.WithError(err).WithField("key", key).Warn("phase blob write failed")
	}
}

// validateLine is the structural gate before any agent runs.
func validateLine(line *core.Line) error {
	switch {
	case !line.Amount.IsPositive():
		return core.NewFailure(core.ErrValidation, "INVALID_AMOUNT", "amount must be positive")
	case line.Receiver.Account == "":
		return core.NewFailure(core.ErrValidation, "MISSING_BENEFICIARY", "receiver account is required")
	case line.Receiver.IFSC == "":
		return core.NewFailure(core.ErrValidation, "MISSING_IFSC", "receiver IFSC is required")
	case line.Currency != "" && line.Currency != "INR":
		return core.NewFailure(core.ErrValidation, "UNSUPPORTED_CURRENCY", "currency %s not supported", line.Currency)
	}
	return nil
}

// processLine drives one line from INITIALIZED to a terminal state.
// Steps within the line are strictly sequential; every state write is
// preceded by its audit append.
func (o *Orchestrator) processLine(ctx context.Context, wf *workflow, batch *core.Batch, line *core.Line) {
	o.transition(ctx, wf, line, OutcomeAdvance) // INGESTING
	o.transition(ctx, wf, line, OutcomeAdvance) // VALIDATING

	if err := validateLine(line); err != nil {
		wf.addError(fmt.Sprintf("%s: %v", line.LineID, err))
		o.finishLine(ctx, wf, batch, line, OutcomeFail, nil, nil, nil, nil)
		return
	}
	o.transition(ctx, wf, line, OutcomeAdvance) // CLASSIFYING

	// Intent classification.
	wf.setAgent(AgentIntent)
	var intentRes *core.IntentResult
	err := o.invokeAgent(ctx, AgentIntent, func(ctx context.Context) error {
		intentRes = o.deps.Classifier.Classify(line)
		return o.deps.Store.PutIntent(ctx, intentRes)
	})
	if err != nil {
		wf.addError(fmt.Sprintf("%s: intent: %v", line.LineID, err))
		o.finishLine(ctx, wf, batch, line, OutcomeFail, nil, nil, nil, nil)
		return
	}
	o.persistPhase(ctx, wf, line.LineID, store.PhaseIntent, intentRes)
	o.deps.Bus.Emit(events.TypeIntentClassified, eventSource, line.BatchID+"/"+line.LineID,
		map[string]interface{}{"intent": intentRes.Intent, "match": intentRes.MatchKind})

	// Compliance.
	wf.setAgent(AgentACC)
	var accRes *core.ACCDecision
	err = o.invokeAgent(ctx, AgentACC, func(ctx context.Context) error {
		accRes = o.deps.Compliance.Evaluate(ctx, line, batch.PolicyVersion)
		return o.deps.Store.PutACCDecision(ctx, accRes)
	})
	if err != nil {
		wf.addError(fmt.Sprintf("%s: acc: %v", line.LineID, err))
		o.finishLine(ctx, wf, batch, line, OutcomeFail, intentRes, nil, nil, nil)
		return
	}
	o.persistPhase(ctx, wf, line.LineID, store.PhaseACC, accRes)
	if _, err := o.deps.Audit.Append(ctx, line.BatchID, line.LineID, core.ActorACC, "acc_decision",
		map[string]interface{}{"decision": accRes.Decision, "reasons": accRes.Reasons}); err != nil {
		log.WithError(err).Error("acc audit failed")
	}
	o.deps.Bus.Emit(events.TypeACCDecision, eventSource, line.BatchID+"/"+line.LineID,
		map[string]interface{}{"decision": accRes.Decision})

	if accRes.Decision == core.ACCFail {
		o.finishLine(ctx, wf, batch, line, OutcomeFail, intentRes, accRes, nil, nil)
		return
	}

	o.transition(ctx, wf, line, OutcomeAdvance) // ROUTING
	o.routeAndSettle(ctx, wf, batch, line, intentRes, accRes)
}

// routeAndSettle runs ROUTING onward. It is entered both from the
// normal pipeline and from an operator override on a held line.
func (o *Orchestrator) routeAndSettle(ctx context.Context, wf *workflow, batch *core.Batch, line *core.Line, intentRes *core.IntentResult, accRes *core.ACCDecision) {
	wf.mu.Lock()
	overridden := wf.overridden[line.LineID]
	wf.mu.Unlock()

	wf.setAgent(AgentPDR)
	var pdrRes *core.PDRDecision
	err := o.invokeAgent(ctx, AgentPDR, func(ctx context.Context) error {
		var err error
		isNew := intentRes != nil && intentRes.NewSender
		pdrRes, err = o.deps.Engine.Decide(ctx, line, accRes, isNew, nil)
		if err != nil {
			return err
		}
		return o.deps.Store.PutPDRDecision(ctx, pdrRes)
	})
	if err != nil {
		wf.addError(fmt.Sprintf("%s: pdr: %v", line.LineID, err))
		o.finishLine(ctx, wf, batch, line, OutcomeFail, intentRes, accRes, nil, nil)
		return
	}
	if _, err := o.deps.Audit.Append(ctx, line.BatchID, line.LineID, core.ActorPDR, "pdr_decision",
		map[string]interface{}{"primary": pdrRes.PrimaryRail, "score": pdrRes.PrimaryScore}); err != nil {
		log.WithError(err).Error("pdr audit failed")
	}
	o.deps.Bus.Emit(events.TypePDRDecision, eventSource, line.BatchID+"/"+line.LineID,
		map[string]interface{}{"primary": pdrRes.PrimaryRail, "score": pdrRes.PrimaryScore})

	if pdrRes.PrimaryRail == "" {
		o.persistPhase(ctx, wf, line.LineID, store.PhasePDR, pdrRes)
		o.finishLine(ctx, wf, batch, line, OutcomeFail, intentRes, accRes, pdrRes, nil)
		return
	}

	// A held line routes for explainability but does not execute,
	// unless an operator override has released it.
	if accRes != nil && accRes.Decision == core.ACCHold && !overridden {
		o.persistPhase(ctx, wf, line.LineID, store.PhasePDR, pdrRes)
		o.finishLine(ctx, wf, batch, line, OutcomeHold, intentRes, accRes, pdrRes, nil)
		return
	}

	o.transition(ctx, wf, line, OutcomeAdvance) // EXECUTING
	err = o.invokeAgent(ctx, AgentPDR, func(ctx context.Context) error {
		if err := o.deps.Executor.Run(ctx, line, pdrRes); err != nil {
			return err
		}
		return o.deps.Store.PutPDRDecision(ctx, pdrRes)
	})
	o.persistPhase(ctx, wf, line.LineID, store.PhasePDR, pdrRes)
	if err != nil {
		wf.addError(fmt.Sprintf("%s: execute: %v", line.LineID, err))
		o.finishLine(ctx, wf, batch, line, OutcomeFail, intentRes, accRes, pdrRes, nil)
		return
	}

	// The cascade audits one bank_outcome per attempt; here only the
	// final verdict goes to the event stream.
	o.deps.Bus.Emit(events.TypeBankOutcome, eventSource, line.BatchID+"/"+line.LineID,
		map[string]interface{}{"status": pdrRes.FinalStatus, "rail": pdrRes.FinalRailUsed, "utr": pdrRes.FinalUTR})

	if pdrRes.FinalStatus != core.ExecSuccess {
		o.finishLine(ctx, wf, batch, line, OutcomeFail, intentRes, accRes, pdrRes, nil)
		return
	}
	metrics.RailAttempts.WithLabelValues(pdrRes.FinalRailUsed, "success").Inc()

	// Reconciliation.
	wf.setAgent(AgentARL)
	var arlRes *core.ARLResult
	err = o.invokeAgent(ctx, AgentARL, func(ctx context.Context) error {
		var err error
		arlRes, err = o.deps.Reconciler.Reconcile(ctx, line, pdrRes)
		if err != nil {
			return err
		}
		return o.deps.Store.PutARLResult(ctx, arlRes)
	})
	if err != nil {
		wf.addError(fmt.Sprintf("%s: arl: %v", line.LineID, err))
		o.finishLine(ctx, wf, batch, line, OutcomeFail, intentRes, accRes, pdrRes, nil)
		return
	}
	o.persistPhase(ctx, wf, line.LineID, store.PhaseARL, arlRes)
	o.deps.Bus.Emit(events.TypeARLResult, eventSource, line.BatchID+"/"+line.LineID,
		map[string]interface{}{"state": arlRes.State, "score": arlRes.Score})

	if arlRes.State != core.ARLReconciled {
		o.finishLine(ctx, wf, batch, line, OutcomeFail, intentRes, accRes, pdrRes, arlRes)
		return
	}
	o.finishLine(ctx, wf, batch, line, OutcomeAdvance, intentRes, accRes, pdrRes, arlRes)
}

// finishLine runs the audit stage (RCA on any non-clean path, CRRAK
// always) and commits the terminal state.
func (o *Orchestrator) finishLine(ctx context.Context, wf *workflow, batch *core.Batch, line *core.Line, outcome StepOutcome, intentRes *core.IntentResult, accRes *core.ACCDecision, pdrRes *core.PDRDecision, arlRes *core.ARLResult) {
	o.transition(ctx, wf, line, outcome) // → AUDITING

	var rcaRes *core.RCAResult
	if outcome != OutcomeAdvance {
		wf.setAgent(AgentRCA)
		if err := o.invokeAgent(ctx, AgentRCA, func(ctx context.Context) error {
			rcaRes = o.deps.Analyzer.Analyze(ctx, line)
			return o.deps.Store.PutRCAResult(ctx, rcaRes)
		}); err != nil {
			wf.addError(fmt.Sprintf("%s: rca: %v", line.LineID, err))
		} else {
			o.persistPhase(ctx, wf, line.LineID, store.PhaseRCA, rcaRes)
			o.deps.Bus.Emit(events.TypeRCAResult, eventSource, line.BatchID+"/"+line.LineID,
				map[string]interface{}{"issue": rcaRes.RootCause.IssueCode})
		}
	}

	wf.setAgent(AgentCRRAK)
	if err := o.invokeAgent(ctx, AgentCRRAK, func(ctx context.Context) error {
		report, err := o.deps.Composer.Compose(ctx, wf.tenantID, crrak.Inputs{
			Line: line, Intent: intentRes, ACC: accRes, PDR: pdrRes, ARL: arlRes, RCA: rcaRes,
		})
		if err != nil {
			return err
		}
		if err := o.deps.Store.PutCRRAKReport(ctx, report); err != nil {
			return err
		}
		o.persistPhase(ctx, wf, line.LineID, store.PhaseCRRAK, report)
		o.deps.Bus.Emit(events.TypeCRRAKReport, eventSource, line.BatchID+"/"+line.LineID,
			map[string]interface{}{"status": report.ComplianceStatus, "score": report.ComplianceScore})
		return nil
	}); err != nil {
		wf.addError(fmt.Sprintf("%s: crrak: %v", line.LineID, err))
	}

	o.transition(ctx, wf, line, outcome) // AUDITING → terminal
}
