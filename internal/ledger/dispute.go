package ledger

// Dispute statuses reported by the payment provider that keep money in
// question. Anything else (won, lost, warning_closed) is resolved.
var unresolvedDisputeStatuses = map[string]bool{
	"warning_needs_response": true,
	"warning_under_review":   true,
	"needs_response":         true,
	"under_review":           true,
}

const (
	DisputeStatusActive    = "active"
	DisputeStatusSuspended = "suspended"
)

// IsUnresolved reports whether a provider dispute status blocks spending.
func IsUnresolved(status string) bool {
	return unresolvedDisputeStatuses[status]
}

// disputeGuard splits disputes into the ones still open and derives the
// wallet's dispute status from them.
func disputeGuard(disputes []*Dispute) (status string, open []*Dispute) {
	open = make([]*Dispute, 0)
	for _, d := range disputes {
		if IsUnresolved(d.Status) {
			open = append(open, d)
		}
	}
	if len(open) > 0 {
		return DisputeStatusSuspended, open
	}
	return DisputeStatusActive, open
}
