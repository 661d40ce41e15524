// Package acc bundles counterparty verifications, consults the
// external policy evaluator, and translates its answer into a
// PASS/HOLD/FAIL compliance decision.
package acc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
)

// ViolationPolicyUnavailable is the synthetic violation recorded when
// the evaluator cannot be reached. Unreachable means deny.
const ViolationPolicyUnavailable = "POLICY_UNAVAILABLE"

// EvalRequest is the evaluator's input envelope.
type EvalRequest struct {
	Input EvalInput `json:"input"`
}

// EvalInput carries the transaction and its verification bundle.
type EvalInput struct {
	PolicyVersion string                 `json:"policy_version"`
	Transaction   map[string]interface{} `json:"transaction"`
	Verifications *Verifications         `json:"verifications"`
}

// EvalResponse is the evaluator's answer envelope.
type EvalResponse struct {
	Result EvalResult `json:"result"`
}

// EvalResult is the decision body.
type EvalResult struct {
	Allow      bool     `json:"allow"`
	Violations []string `json:"violations"`
}

// PolicyClient calls the external policy decision service.
type PolicyClient struct {
	url    string
	client *http.Client
}

// NewPolicyClient creates a client with the given evaluation endpoint
// and request timeout.
func NewPolicyClient(url string, timeout time.Duration) *PolicyClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &PolicyClient{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

// Evaluate posts the input to the evaluator. Any transport error,
// non-200 status or undecodable body comes back as a deny with the
// POLICY_UNAVAILABLE violation rather than a Go error; compliance
// never fails open.
func (c *PolicyClient) Evaluate(ctx context.Context, in EvalInput) EvalResult {
	deny := EvalResult{Allow: false, Violations: []string{ViolationPolicyUnavailable}}

	body, err := json.Marshal(EvalRequest{Input: in})
	if err != nil {
		log.WithError(err).Error("policy request marshal failed")
		return deny
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		log.WithError(err).Error("policy request build failed")
		return deny
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		log.WithError(err).Warn("policy evaluator unreachable, denying")
		return deny
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.WithField("status", resp.StatusCode).Warn("policy evaluator non-200, denying")
		deny.Violations = []string{ViolationPolicyUnavailable,
			fmt.Sprintf("HTTP_%d", resp.StatusCode)}
		return deny
	}

	var out EvalResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		log.WithError(err).Warn("policy evaluator bad body, denying")
		return deny
	}
	return out.Result
}
