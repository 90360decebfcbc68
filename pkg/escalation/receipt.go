package escalation

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"

	"github.com/Mindburn-Labs/helm/autopilot/pkg/contracts"
)

// Receipt is the audit record of one state change.
type Receipt struct {
	ReceiptID    string                     `json:"receipt_id"`
	EscalationID string                     `json:"escalation_id"`
	From         contracts.EscalationStatus `json:"from,omitempty"`
	To           contracts.EscalationStatus `json:"to"`
	Actor        string                     `json:"actor,omitempty"`
	Action       contracts.ResolutionAction `json:"action,omitempty"`
	Note         string                     `json:"note,omitempty"`
	At           time.Time                  `json:"at"`
	ContentHash  string                     `json:"content_hash"`
}

type hashable struct {
	EscalationID string                     `json:"escalation_id"`
	From         contracts.EscalationStatus `json:"from"`
	To           contracts.EscalationStatus `json:"to"`
	Actor        string                     `json:"actor"`
	Action       contracts.ResolutionAction `json:"action"`
	Note         string                     `json:"note"`
	At           string                     `json:"at"`
	Data         map[string]any             `json:"data,omitempty"`
}

func newReceipt(e *contracts.Escalation, from contracts.EscalationStatus, actor, note string, at time.Time) (*Receipt, error) {
	r := &Receipt{
		ReceiptID:    uuid.New().String(),
		EscalationID: e.ID,
		From:         from,
		To:           e.Status,
		Actor:        actor,
		Note:         note,
		At:           at,
	}
	var data map[string]any
	if e.Resolution != nil && e.Status == contracts.EscalationResolved {
		r.Action = e.Resolution.Action
		data = e.Resolution.Data
	}
	hash, err := hashReceipt(r, data)
	if err != nil {
		return nil, err
	}
	r.ContentHash = hash
	return r, nil
}

// hashReceipt hashes the canonical (RFC 8785) JSON of the receipt content.
func hashReceipt(r *Receipt, data map[string]any) (string, error) {
	raw, err := json.Marshal(hashable{
		EscalationID: r.EscalationID,
		From:         r.From,
		To:           r.To,
		Actor:        r.Actor,
		Action:       r.Action,
		Note:         r.Note,
		At:           r.At.UTC().Format(time.RFC3339Nano),
		Data:         data,
	})
	if err != nil {
		return "", fmt.Errorf("marshal receipt: %w", err)
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize receipt: %w", err)
	}
	h := sha256.Sum256(canon)
	return "sha256:" + hex.EncodeToString(h[:]), nil
}
