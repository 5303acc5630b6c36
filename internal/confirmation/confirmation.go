// Package confirmation mints, validates, and consumes suspend-until-human
// tokens. The register/validate/consume lifecycle is persisted in kvstore
// (rather than held in an in-process map) so a token survives the cold
// start between the confirmation request and the human's response.
package confirmation

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/swarmguard/sagaengine/internal/errs"
	"github.com/swarmguard/sagaengine/internal/kvstore"
)

const (
	tokenKeyPrefix = "confirmation:"
	execIndexPrefix = "confirmation:exec:"
)

// RiskClass is the closed set of risk levels a step can be classified into.
type RiskClass string

const (
	RiskLow      RiskClass = "LOW"
	RiskMedium   RiskClass = "MEDIUM"
	RiskHigh     RiskClass = "HIGH"
	RiskCritical RiskClass = "CRITICAL"
)

// ClassifyRisk implements deterministic dollar/party-size thresholds.
func ClassifyRisk(toolName string, paymentAmountUSD float64, partySize int, readOnly bool, criticalUSD, highUSD float64, highPartySize int) RiskClass {
	switch {
	case readOnly:
		return RiskLow
	case paymentAmountUSD > criticalUSD:
		return RiskCritical
	case paymentAmountUSD > highUSD || partySize > highPartySize:
		return RiskHigh
	case isBookingOrCommunication(toolName):
		return RiskMedium
	default:
		return RiskLow
	}
}

func isBookingOrCommunication(toolName string) bool {
	bookingPrefixes := []string{"book_", "reserve_", "send_", "notify_", "message_"}
	for _, p := range bookingPrefixes {
		if len(toolName) >= len(p) && toolName[:len(p)] == p {
			return true
		}
	}
	return false
}

// Token is the record minted before invoking a HIGH/CRITICAL-risk tool.
type Token struct {
	TokenID     string    `json:"token_id"`
	ExecutionID string    `json:"execution_id"`
	StepID      string    `json:"step_id"`
	Tool        string    `json:"tool"`
	Parameters  map[string]any `json:"parameters"`
	Risk        RiskClass `json:"risk"`
	IdentityHint string   `json:"identity_hint,omitempty"`
	MintedAt    time.Time `json:"minted_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

type Manager struct {
	kv  kvstore.Store
	ttl time.Duration
}

func NewManager(kv kvstore.Store, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Manager{kv: kv, ttl: ttl}
}

func tokenKey(token string) string    { return tokenKeyPrefix + token }
func execIndexKey(execID string) string { return execIndexPrefix + execID }

// Mint creates a new token keyed by UUID with a reverse index by
// execution id.
func (m *Manager) Mint(ctx context.Context, executionID, stepID, tool string, params map[string]any, risk RiskClass, identityHint string) (Token, error) {
	now := time.Now()
	tok := Token{
		TokenID:      uuid.NewString(),
		ExecutionID:  executionID,
		StepID:       stepID,
		Tool:         tool,
		Parameters:   params,
		Risk:         risk,
		IdentityHint: identityHint,
		MintedAt:     now,
		ExpiresAt:    now.Add(m.ttl),
	}
	buf, err := json.Marshal(tok)
	if err != nil {
		return Token{}, err
	}
	if err := m.kv.Set(ctx, tokenKey(tok.TokenID), buf, m.ttl); err != nil {
		return Token{}, err
	}
	if err := m.kv.Set(ctx, execIndexKey(executionID), []byte(tok.TokenID), m.ttl); err != nil {
		return Token{}, err
	}
	return tok, nil
}

// Validate checks existence, expiry, and (if the confirm request supplied
// one) identity match, without consuming the token.
func (m *Manager) Validate(ctx context.Context, tokenID, identity string) (Token, error) {
	raw, err := m.kv.Get(ctx, tokenKey(tokenID))
	if err != nil {
		if err == kvstore.ErrNotFound {
			return Token{}, errs.ErrConfirmationTokenNotFound
		}
		return Token{}, err
	}
	var tok Token
	if err := json.Unmarshal(raw, &tok); err != nil {
		return Token{}, err
	}
	if time.Now().After(tok.ExpiresAt) {
		return Token{}, errs.ErrConfirmationTokenExpired
	}
	if identity != "" && tok.IdentityHint != "" && identity != tok.IdentityHint {
		return Token{}, errs.ErrConfirmationIdentityMismatch
	}
	return tok, nil
}

// Consume validates then deletes the token so it cannot be replayed.
func (m *Manager) Consume(ctx context.Context, tokenID, identity string) (Token, error) {
	tok, err := m.Validate(ctx, tokenID, identity)
	if err != nil {
		return Token{}, err
	}
	if err := m.kv.Del(ctx, tokenKey(tokenID)); err != nil {
		return Token{}, err
	}
	if err := m.kv.Del(ctx, execIndexKey(tok.ExecutionID)); err != nil {
		return Token{}, err
	}
	return tok, nil
}

// LookupByExecution returns the active token for an execution, if any.
func (m *Manager) LookupByExecution(ctx context.Context, executionID string) (string, error) {
	raw, err := m.kv.Get(ctx, execIndexKey(executionID))
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
