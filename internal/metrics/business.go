package metrics

// LedgerOperation counts a ledger mutation outcome
func LedgerOperation(operation, outcome string) {
	LedgerOperationsTotal.WithLabelValues(operation, outcome).Inc()
}

// LedgerUnits adds moved units for a kind and source
func LedgerUnits(kind, source string, n int64) {
	LedgerUnitsTotal.WithLabelValues(kind, source).Add(float64(n))
}

// LedgerConflict counts a retried store transaction
func LedgerConflict() {
	LedgerConflictsTotal.Inc()
}

// Payment counts a payment notification outcome
func Payment(rail, outcome string) {
	PaymentsTotal.WithLabelValues(rail, outcome).Inc()
}

// InvoiceCreated counts an invoice creation outcome
func InvoiceCreated(rail, outcome string) {
	InvoicesCreatedTotal.WithLabelValues(rail, outcome).Inc()
}

// ModerationDecision counts a moderation gateway outcome
func ModerationDecision(outcome string) {
	ModerationDecisionsTotal.WithLabelValues(outcome).Inc()
}

// AICall counts a classifier API call by status
func AICall(status string) {
	AIAPICalls.WithLabelValues(status).Inc()
}

// Ban counts a spam ban
func Ban() {
	BansTotal.Inc()
}

// GuardSize sets the entry count gauge for an abuse guard map
func GuardSize(name string, n int) {
	GuardEntries.WithLabelValues(name).Set(float64(n))
}

// PostEvaluated counts a posting decision
func PostEvaluated(tier, reason string) {
	PostsEvaluatedTotal.WithLabelValues(tier, reason).Inc()
}

// TransactionsArchived adds purged transactions
func TransactionsArchived(n int) {
	TransactionsArchivedTotal.Add(float64(n))
}
