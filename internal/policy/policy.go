// Package policy implements the autonomy decision: given a work item's
// origin, proposed action and content, decide whether the planner may
// close it on its own or must raise an approval request. The decision
// is a pure function of the configured rule table plus built-in
// keyword heuristics; there is no iteration and no side effects.
package policy

import (
	"regexp"
	"strconv"
	"strings"

	"vaultline/internal/config"
	"vaultline/internal/record"
)

type Decision string

const (
	DecisionAuto     Decision = "auto"
	DecisionApproval Decision = "requires-approval"
)

// Request carries everything the policy table keys on.
type Request struct {
	Origin       record.Origin
	Action       record.Action
	ContactKnown bool
	AmountBucket string
	Risk         record.Risk
	Text         string
}

var highRiskWords = wordSet(
	"money", "legal", "threat", "complaint", "fraud", "scam", "lawsuit",
	"court", "police", "blackmail", "hack", "breach", "stolen", "dispute",
	"emergency", "critical", "overdue", "terminate", "suspend", "banned",
	"illegal", "attorney", "solicitor", "chargeback", "arbitration",
)

var mediumRiskWords = wordSet(
	"pricing", "price", "proposal", "hire", "hiring", "negotiate",
	"negotiation", "partnership", "contract", "agreement", "deal", "offer",
	"quote", "quotation", "budget", "revenue", "sales", "client", "customer",
	"invoice", "payment", "refund", "purchase", "subscription", "retainer",
)

var approvalWords = wordSet(
	"urgent", "payment", "invoice", "refund", "pricing", "quote", "budget",
	"contract", "complaint", "asap", "money", "transfer", "bank", "pay",
	"send", "post", "publish", "reply", "respond",
)

// Table evaluates configured rules first, then falls back to the
// built-in safety heuristics.
type Table struct {
	cfg config.Policy
}

func NewTable(cfg config.Policy) Table { return Table{cfg: cfg} }

// Evaluate returns the autonomy decision for a request. Configured
// rules are checked in order; the first match wins. With no match the
// fallback is conservative: any external-communication origin, any
// high-risk content and any approval trigger word require sign-off.
func (t Table) Evaluate(req Request) Decision {
	for _, r := range t.cfg.Rules {
		if !ruleMatches(r, req) {
			continue
		}
		if r.Decision == "auto" {
			return DecisionAuto
		}
		return DecisionApproval
	}
	if req.Origin != record.OriginFilesystem {
		return DecisionApproval
	}
	if req.Risk == record.RiskHigh {
		return DecisionApproval
	}
	if intersects(words(req.Text), t.approvalWords()) {
		return DecisionApproval
	}
	return DecisionAuto
}

func ruleMatches(r config.Rule, req Request) bool {
	if r.Origin != "" && r.Origin != string(req.Origin) {
		return false
	}
	if r.Action != "" && r.Action != string(req.Action) {
		return false
	}
	if r.ContactKnown != nil && *r.ContactKnown != req.ContactKnown {
		return false
	}
	if r.AmountBucket != "" && r.AmountBucket != req.AmountBucket {
		return false
	}
	return true
}

// ClassifyRisk scores content against the high and medium keyword
// sets. Config word lists extend the built-ins.
func (t Table) ClassifyRisk(text string) record.Risk {
	w := words(text)
	if intersects(w, t.highWords()) {
		return record.RiskHigh
	}
	if intersects(w, t.mediumWords()) {
		return record.RiskMedium
	}
	return record.RiskLow
}

// ContactKnown reports whether the sender is in the configured known
// contact list. Matching is case-insensitive on the full label.
func (t Table) ContactKnown(sender string) bool {
	needle := strings.ToLower(strings.TrimSpace(sender))
	if needle == "" {
		return false
	}
	for _, c := range t.cfg.KnownContacts {
		if strings.ToLower(strings.TrimSpace(c)) == needle {
			return true
		}
	}
	return false
}

// PriorityFor resolves the item priority: an explicit high/medium wins,
// otherwise risk drives it.
func PriorityFor(explicit record.Priority, risk record.Risk) record.Priority {
	if explicit == record.PriorityHigh || risk == record.RiskHigh {
		return record.PriorityHigh
	}
	if explicit == record.PriorityMedium || risk == record.RiskMedium {
		return record.PriorityMedium
	}
	return record.PriorityLow
}

// ActionFor maps an origin to the outbound action kind it implies.
func ActionFor(origin record.Origin) record.Action {
	switch origin {
	case record.OriginMailbox:
		return record.ActionSendEmail
	case record.OriginMessaging:
		return record.ActionSendMessage
	case record.OriginSocial:
		return record.ActionSendDM
	default:
		return record.ActionSendMessage
	}
}

var amountRe = regexp.MustCompile(`[$€£]\s?(\d+(?:[.,]\d{3})*(?:\.\d+)?)`)

// AmountBucket extracts the largest money amount mentioned in the text
// and buckets it: none, small (< 100) or large.
func AmountBucket(text string) string {
	max := 0.0
	found := false
	for _, m := range amountRe.FindAllStringSubmatch(text, -1) {
		raw := strings.ReplaceAll(m[1], ",", "")
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			continue
		}
		found = true
		if v > max {
			max = v
		}
	}
	if !found {
		return "none"
	}
	if max < 100 {
		return "small"
	}
	return "large"
}

func (t Table) highWords() map[string]struct{} {
	return merged(highRiskWords, t.cfg.HighRiskWords)
}

func (t Table) mediumWords() map[string]struct{} {
	return merged(mediumRiskWords, t.cfg.MediumRiskWords)
}

func (t Table) approvalWords() map[string]struct{} {
	return merged(approvalWords, t.cfg.ApprovalWords)
}

func merged(base map[string]struct{}, extra []string) map[string]struct{} {
	if len(extra) == 0 {
		return base
	}
	out := make(map[string]struct{}, len(base)+len(extra))
	for w := range base {
		out[w] = struct{}{}
	}
	for _, w := range extra {
		out[strings.ToLower(w)] = struct{}{}
	}
	return out
}

var wordRe = regexp.MustCompile(`\w+`)

func words(text string) map[string]struct{} {
	out := map[string]struct{}{}
	for _, w := range wordRe.FindAllString(strings.ToLower(text), -1) {
		out[w] = struct{}{}
	}
	return out
}

func intersects(a, b map[string]struct{}) bool {
	if len(b) < len(a) {
		a, b = b, a
	}
	for w := range a {
		if _, ok := b[w]; ok {
			return true
		}
	}
	return false
}

func wordSet(ws ...string) map[string]struct{} {
	out := make(map[string]struct{}, len(ws))
	for _, w := range ws {
		out[w] = struct{}{}
	}
	return out
}
