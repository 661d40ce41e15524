package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"

	"github.com/settleline/payflow/internal/core"
	"github.com/settleline/payflow/internal/metrics"
)

// Agent names as registered with the orchestrator.
const (
	AgentIntent = "intent"
	AgentACC    = "acc"
	AgentPDR    = "pdr"
	AgentARL    = "arl"
	AgentRCA    = "rca"
	AgentCRRAK  = "crrak"
)

// AgentState is the externally visible status of one agent.
type AgentState string

const (
	AgentIdle    AgentState = "IDLE"
	AgentRunning AgentState = "RUNNING"
	AgentSuccess AgentState = "SUCCESS"
	AgentFailed  AgentState = "FAILED"
)

// AgentStatus is the per-agent health snapshot served by the API.
type AgentStatus struct {
	Name       string     `json:"name"`
	State      AgentState `json:"status"`
	LastRun    time.Time  `json:"last_run"`
	ErrorCount int        `json:"error_count"`
}

// statusBoard tracks agent health across concurrent invocations.
type statusBoard struct {
	mu     sync.RWMutex
	agents map[string]*AgentStatus
}

func newStatusBoard(names ...string) *statusBoard {
	b := &statusBoard{agents: make(map[string]*AgentStatus)}
	for _, n := range names {
		b.agents[n] = &AgentStatus{Name: n, State: AgentIdle}
	}
	return b
}

func (b *statusBoard) set(name string, state AgentState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.agents[name]
	if !ok {
		s = &AgentStatus{Name: name}
		b.agents[name] = s
	}
	s.State = state
	s.LastRun = time.Now()
	if state == AgentFailed {
		s.ErrorCount++
	}
}

func (b *statusBoard) get(name string) (AgentStatus, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.agents[name]
	if !ok {
		return AgentStatus{}, false
	}
	return *s, true
}

func (b *statusBoard) snapshot() []AgentStatus {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]AgentStatus, 0, len(b.agents))
	for _, s := range b.agents {
		out = append(out, *s)
	}
	return out
}

// invokeAgent runs one agent step under its configured timeout and
// bounded retry. Panics are converted into SystemError failures;
// nothing an agent does can take the dispatch loop down. Retries count
// against the agent, not the line.
func (o *Orchestrator) invokeAgent(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	budget := o.cfg.Agents.ByName(name)
	o.agents.set(name, AgentRunning)
	started := time.Now()

	attempt := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = core.NewFailure(core.ErrSystem, "AGENT_PANIC", "agent %s panicked: %v", name, r)
				log.WithFields(log.Fields{"agent": name, "panic": r}).Error("agent panic recovered")
			}
		}()
		stepCtx := ctx
		if budget.Timeout > 0 {
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, budget.Timeout)
			defer cancel()
		}
		return fn(stepCtx)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	retries := uint64(0)
	if budget.MaxRetries > 1 {
		retries = uint64(budget.MaxRetries - 1)
	}
	err := backoff.Retry(func() error {
		if err := attempt(); err != nil {
			// Policy and rail outcomes are decisions, not faults; they
			// must not burn the retry budget.
			f := core.AsFailure(err)
			if f.Kind == core.ErrPolicy || f.Kind == core.ErrRail || f.Kind == core.ErrValidation {
				return backoff.Permanent(err)
			}
			return err
		}
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(bo, retries), ctx))

	metrics.AgentDuration.WithLabelValues(name).Observe(time.Since(started).Seconds())
	if err != nil {
		o.agents.set(name, AgentFailed)
		metrics.AgentInvocations.WithLabelValues(name, "failure").Inc()
		return err
	}
	o.agents.set(name, AgentSuccess)
	metrics.AgentInvocations.WithLabelValues(name, "success").Inc()
	return nil
}
