package server

import (
	"vaultline/internal/audit"
	"vaultline/internal/record"
	"vaultline/internal/vault"
)

// Response payloads

type RecordRef struct {
	Collection string `json:"collection"`
	Name       string `json:"name"`
	Status     string `json:"status,omitempty"`
}

type RecordResponse struct {
	Collection string         `json:"collection"`
	Name       string         `json:"name"`
	Header     map[string]any `json:"header"`
	Body       string         `json:"body"`
}

type StatusResponse struct {
	Counts map[string]int `json:"counts"`
}

type ApprovalResponse struct {
	Name       string `json:"name"`
	Action     string `json:"action"`
	Target     string `json:"target"`
	Status     string `json:"status"`
	SourcePlan string `json:"source_plan"`
	SourceItem string `json:"source_item"`
	CreatedAt  string `json:"created_at"`
	ExpiresAt  string `json:"expires_at,omitempty"`
	Draft      string `json:"draft"`
}

type DecisionResponse struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Actor   string `json:"actor,omitempty"`
	Message string `json:"message"`
}

type AuditEntryResponse struct {
	Timestamp string         `json:"timestamp"`
	Event     string         `json:"event"`
	Result    string         `json:"result"`
	Item      string         `json:"item,omitempty"`
	Plan      string         `json:"plan,omitempty"`
	Approval  string         `json:"approval,omitempty"`
	Action    string         `json:"action,omitempty"`
	Error     string         `json:"error,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
}

func approvalResponse(name string, req record.ApprovalRequest, draft string) ApprovalResponse {
	return ApprovalResponse{
		Name:       name,
		Action:     string(req.Action),
		Target:     req.Target,
		Status:     req.Status,
		SourcePlan: req.SourcePlan,
		SourceItem: req.SourceItem,
		CreatedAt:  req.CreatedAt,
		ExpiresAt:  req.ExpiresAt,
		Draft:      draft,
	}
}

func auditResponse(e audit.Entry) AuditEntryResponse {
	return AuditEntryResponse{
		Timestamp: e.Timestamp,
		Event:     e.Event,
		Result:    e.Result,
		Item:      e.Item,
		Plan:      e.Plan,
		Approval:  e.Approval,
		Action:    e.Action,
		Error:     e.Error,
		Detail:    e.Detail,
	}
}

func mapRefs(refs []vault.Ref, statuses map[string]string) []RecordRef {
	out := make([]RecordRef, 0, len(refs))
	for _, r := range refs {
		out = append(out, RecordRef{
			Collection: string(r.Collection),
			Name:       r.Name,
			Status:     statuses[r.Name],
		})
	}
	return out
}
