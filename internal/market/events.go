package market

// Event is a domain event consumed by the notification fan-out engine. The
// set is closed: the orchestrator supplies the first three, the verification
// cascade emits the fourth internally.
type Event interface {
	EventType() string
}

// NewRFQ is raised when a hospital posts a request-for-quotation.
type NewRFQ struct {
	RFQID        string `json:"rfq_id"`
	CategoryID   string `json:"category_id"`
	ProductName  string `json:"product_name"`
	HospitalName string `json:"hospital_name"`
}

func (NewRFQ) EventType() string { return "rfq.posted" }

// QuotationSubmitted is raised when a supplier responds to an RFQ.
type QuotationSubmitted struct {
	QuotationID  string `json:"quotation_id"`
	RFQID        string `json:"rfq_id"`
	HospitalID   string `json:"hospital_id"`
	SupplierName string `json:"supplier_name"`
	ProductName  string `json:"product_name"`
	TotalPrice   int64  `json:"total_price"`
}

func (QuotationSubmitted) EventType() string { return "quotation.submitted" }

// QuotationStatusChanged is raised when a hospital accepts or rejects a
// quotation. Status only affects wording, never recipient selection.
type QuotationStatusChanged struct {
	QuotationID  string          `json:"quotation_id"`
	SupplierID   string          `json:"supplier_id"`
	Status       QuotationStatus `json:"status"`
	HospitalName string          `json:"hospital_name"`
	ProductName  string          `json:"product_name"`
}

func (QuotationStatusChanged) EventType() string { return "quotation.status_changed" }

// VerificationDecided targets the single creator identity of a decided
// organization. Reason is semantically required on rejection and defaulted
// when absent.
type VerificationDecided struct {
	IdentityID       string             `json:"identity_id"`
	Outcome          VerificationStatus `json:"outcome"`
	OrganizationName string             `json:"organization_name"`
	Reason           string             `json:"reason,omitempty"`
}

func (VerificationDecided) EventType() string { return "verification.decided" }

// CreditsPurchased targets every identity of the supplier whose purchase was
// confirmed.
type CreditsPurchased struct {
	SupplierID  string `json:"supplier_id"`
	PackageName string `json:"package_name"`
	Credits     int64  `json:"credits"`
	NewBalance  int64  `json:"new_balance"`
}

func (CreditsPurchased) EventType() string { return "credits.purchased" }
