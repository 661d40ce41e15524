package orchestrator

import (
	"context"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	log "github.com/sirupsen/logrus"

	"github.com/settleline/payflow/internal/core"
	"github.com/settleline/payflow/internal/events"
	"github.com/settleline/payflow/internal/metrics"
)

// OverrideClaims is the payload of a signed operator override token.
type OverrideClaims struct {
	Operator string `json:"operator"`
	LineID   string `json:"line_id"`
	Reason   string `json:"reason,omitempty"`
	jwt.RegisteredClaims
}

// parseOverrideToken verifies an HS256-signed override token against
// the configured secret and returns its claims.
func (o *Orchestrator) parseOverrideToken(token string) (*OverrideClaims, error) {
	claims := &OverrideClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(o.cfg.Override.SigningSecret), nil
	})
	if err != nil {
		return nil, core.NewFailure(core.ErrPolicy, "INVALID_OVERRIDE_TOKEN", "override token rejected: %v", err)
	}
	if !parsed.Valid {
		return nil, core.NewFailure(core.ErrPolicy, "INVALID_OVERRIDE_TOKEN", "override token invalid")
	}
	if claims.Operator == "" {
		return nil, core.NewFailure(core.ErrValidation, "MISSING_OPERATOR", "override token carries no operator identity")
	}
	return claims, nil
}

// ApplyOverride releases a held line back into routing on the strength
// of a signed operator token. The line must be in HOLD; the override
// is audited with the operator identity before the line moves.
func (o *Orchestrator) ApplyOverride(ctx context.Context, workflowID, lineID, token string) error {
	claims, err := o.parseOverrideToken(token)
	if err != nil {
		return err
	}
	if claims.LineID != "" && claims.LineID != lineID {
		return core.NewFailure(core.ErrValidation, "LINE_MISMATCH",
			"override token is bound to line %s, not %s", claims.LineID, lineID)
	}

	o.mu.Lock()
	wf, ok := o.workflows[workflowID]
	o.mu.Unlock()
	if !ok {
		return core.NewFailure(core.ErrValidation, "UNKNOWN_WORKFLOW", "workflow %s not found", workflowID)
	}

	wf.mu.Lock()
	st, ok := wf.lineStates[lineID]
	if !ok {
		wf.mu.Unlock()
		return core.NewFailure(core.ErrValidation, "UNKNOWN_LINE", "line %s not in workflow %s", lineID, workflowID)
	}
	if wf.overridden[lineID] {
		wf.mu.Unlock()
		// The line was already released once; replays are no-ops that
		// still leave a trace.
		if _, err := o.deps.Audit.Append(ctx, wf.batchID, lineID, core.ActorMCP, "duplicate_override",
			map[string]interface{}{"operator": claims.Operator}); err != nil {
			return err
		}
		log.WithFields(log.Fields{"line": lineID, "operator": claims.Operator}).
			Info("duplicate override ignored")
		return nil
	}
	if st != StateHold {
		wf.mu.Unlock()
		return core.NewFailure(core.ErrValidation, "NOT_ON_HOLD", "line %s is %s, override requires HOLD", lineID, st)
	}
	wf.overridden[lineID] = true
	wf.mu.Unlock()

	batch, err := o.deps.Store.GetBatch(ctx, wf.batchID)
	if err != nil {
		return fmt.Errorf("load batch %s: %w", wf.batchID, err)
	}
	line, err := o.deps.Store.GetLine(ctx, wf.batchID, lineID)
	if err != nil {
		return fmt.Errorf("load line %s: %w", lineID, err)
	}

	if _, err := o.deps.Audit.Append(ctx, wf.batchID, lineID, core.ActorMCP, "operator_override",
		map[string]interface{}{"operator": claims.Operator, "reason": claims.Reason}); err != nil {
		return err
	}
	o.deps.Bus.Emit(events.TypeOperatorOverride, eventSource, wf.batchID+"/"+lineID,
		map[string]interface{}{"operator": claims.Operator, "line_id": lineID})
	metrics.OverridesApplied.Inc()
	log.WithFields(log.Fields{"line": lineID, "operator": claims.Operator}).Info("operator override applied")

	o.transition(ctx, wf, line, OutcomeOverride) // HOLD -> ROUTING

	// Prior decisions survive the override; routing re-runs with the
	// hold released.
	intentRes, err := o.deps.Store.GetIntent(ctx, wf.batchID, lineID)
	if err != nil {
		intentRes = nil
	}
	accRes, err := o.deps.Store.GetACCDecision(ctx, wf.batchID, lineID)
	if err != nil {
		return fmt.Errorf("load acc decision for %s: %w", lineID, err)
	}

	wf.wg.Add(1)
	go func() {
		defer wf.wg.Done()
		select {
		case o.sem <- struct{}{}:
			defer func() { <-o.sem }()
		case <-wf.ctx.Done():
			return
		}
		o.routeAndSettle(wf.ctx, wf, batch, line, intentRes, accRes)
	}()
	return nil
}
