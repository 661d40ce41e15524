package store

import "fmt"

// All object-store keys are derived here and nowhere else. Call sites
// never synthesize keys, so the layout can evolve in one place.

// Phase names for processed per-line evidence blobs.
const (
	PhaseIntent = "intent"
	PhasePDR    = "pdr"
	PhaseACC    = "acc"
	PhaseARL    = "arl"
	PhaseRCA    = "rca"
	PhaseCRRAK  = "crrak"
)

// RawInvoiceKey is the landing key for an uploaded batch file.
func RawInvoiceKey(tenantID, batchID, filename string) string {
	return fmt.Sprintf("invoices/raw/%s/%s/%s", tenantID, batchID, filename)
}

// ProcessedKey addresses one phase's evidence blob for a line.
func ProcessedKey(tenantID, batchID, lineID, phase string) string {
	return fmt.Sprintf("invoices/processed/%s/%s/%s/%s.json", tenantID, batchID, lineID, phase)
}

// AuditReportKey addresses the rendered regulator-facing report.
func AuditReportKey(tenantID, batchID, lineID string) string {
	return fmt.Sprintf("audit/%s/%s/%s/report.pdf", tenantID, batchID, lineID)
}
