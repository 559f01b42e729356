package invoiceflow

// LineItem is a single line on an invoice.
type LineItem struct {
	Description string  `json:"description"`
	Quantity    float64 `json:"quantity"`
	UnitPrice   float64 `json:"unit_price"`
	Total       float64 `json:"total"`
}

// InvoicePayload is the raw input record for one pipeline run. It is
// immutable after INTAKE.
type InvoicePayload struct {
	InvoiceID   string     `json:"invoice_id" yaml:"invoice_id"`
	VendorName  string     `json:"vendor_name" yaml:"vendor_name"`
	VendorTaxID string     `json:"vendor_tax_id,omitempty" yaml:"vendor_tax_id,omitempty"`
	InvoiceDate string     `json:"invoice_date,omitempty" yaml:"invoice_date,omitempty"`
	DueDate     string     `json:"due_date,omitempty" yaml:"due_date,omitempty"`
	Amount      float64    `json:"amount" yaml:"amount"`
	Currency    string     `json:"currency,omitempty" yaml:"currency,omitempty"`
	LineItems   []LineItem `json:"line_items,omitempty" yaml:"line_items,omitempty"`
	Attachments []string   `json:"attachments,omitempty" yaml:"attachments,omitempty"`
	POReference string     `json:"po_reference,omitempty" yaml:"po_reference,omitempty"`
}

// Validate checks the payload before a workflow is created. A failure here
// means the workflow never starts.
func (p *InvoicePayload) Validate() error {
	if p == nil {
		return &ValidationError{Field: "payload", Message: "invoice payload is required"}
	}
	if p.InvoiceID == "" {
		return &ValidationError{Field: "invoice_id", Message: "invoice id is required"}
	}
	if p.VendorName == "" {
		return &ValidationError{Field: "vendor_name", Message: "vendor name is required"}
	}
	if p.Amount <= 0 {
		return &ValidationError{Field: "amount", Message: "amount must be positive"}
	}
	return nil
}

// currencyOrDefault returns the payload currency, defaulting to USD.
func (p *InvoicePayload) currencyOrDefault() string {
	if p.Currency == "" {
		return "USD"
	}
	return p.Currency
}

// VendorProfile is the enriched vendor record produced by PREPARE.
type VendorProfile struct {
	NormalizedName string         `json:"normalized_name"`
	TaxID          string         `json:"tax_id,omitempty"`
	RiskScore      float64        `json:"risk_score"`
	CreditScore    float64        `json:"credit_score,omitempty"`
	EnrichmentMeta map[string]any `json:"enrichment_meta,omitempty"`
}

// MatchEvidence records how MATCH_TWO_WAY arrived at its score.
type MatchEvidence struct {
	PONumber         string   `json:"po_number,omitempty"`
	POAmount         float64  `json:"po_amount,omitempty"`
	InvoiceAmount    float64  `json:"invoice_amount"`
	Discrepancy      float64  `json:"discrepancy"`
	DiscrepancyItems []string `json:"discrepancy_items,omitempty"`
}

// AccountingEntry is one ledger line built by RECONCILE.
type AccountingEntry struct {
	Account string  `json:"account"`
	Debit   float64 `json:"debit,omitempty"`
	Credit  float64 `json:"credit,omitempty"`
	Memo    string  `json:"memo,omitempty"`
}
