package market

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// AccountType classifies an identity. The values double as authorization
// roles in bearer tokens.
type AccountType string

const (
	AccountHospital      AccountType = "hospital"
	AccountSupplier      AccountType = "supplier"
	AccountHospitalStaff AccountType = "hospital_staff"
	AccountAdmin         AccountType = "admin"
)

// VerificationStatus is the verification lifecycle of an identity or an
// organization. Valid transitions are pending->approved and
// pending->rejected only.
type VerificationStatus string

const (
	StatusPending  VerificationStatus = "pending"
	StatusApproved VerificationStatus = "approved"
	StatusRejected VerificationStatus = "rejected"
)

// Identity is a user record. Verification status is mutated only by the
// cascade; identities are soft-deactivated, never deleted.
type Identity struct {
	ID         string             `json:"id"`
	Email      string             `json:"email"`
	Name       string             `json:"name"`
	Type       AccountType        `json:"type"`
	Status     VerificationStatus `json:"status"`
	Active     bool               `json:"active"`
	HospitalID string             `json:"hospital_id,omitempty"`
	SupplierID string             `json:"supplier_id,omitempty"`
	CreatedAt  time.Time          `json:"created_at"`

	// PasswordHash is persisted for the external identity provider and never
	// serialized out of this service.
	PasswordHash string `json:"-"`
}

// Hospital is a buyer organization.
type Hospital struct {
	ID        string             `json:"id"`
	Name      string             `json:"name"`
	Status    VerificationStatus `json:"status"`
	CreatorID string             `json:"creator_id"`
	CreatedAt time.Time          `json:"created_at"`
}

// Supplier is a seller organization. Credits is the current balance; the
// ledger of CreditTransactions is its sole source of truth.
type Supplier struct {
	ID         string             `json:"id"`
	Name       string             `json:"name"`
	Status     VerificationStatus `json:"status"`
	Active     bool               `json:"active"`
	CreatorID  string             `json:"creator_id"`
	Credits    int64              `json:"credits"`
	Categories []string           `json:"categories"`
	CreatedAt  time.Time          `json:"created_at"`
}

// OrganizationSummary is the admin review-queue projection of either
// organization kind.
type OrganizationSummary struct {
	ID        string             `json:"id"`
	Name      string             `json:"name"`
	Kind      string             `json:"kind"` // "hospital" or "supplier"
	Status    VerificationStatus `json:"status"`
	CreatorID string             `json:"creator_id"`
	CreatedAt time.Time          `json:"created_at"`
}

// TransactionKind classifies a ledger entry.
type TransactionKind string

const (
	KindPurchase        TransactionKind = "purchase"
	KindDeduction       TransactionKind = "deduction"
	KindRefund          TransactionKind = "refund"
	KindAdminAdjustment TransactionKind = "admin_adjustment"
)

// CreditTransaction is an immutable, append-only ledger row. Amount is
// signed: negative for deductions and debit adjustments. BalanceAfter
// snapshots the supplier balance resulting from this row.
type CreditTransaction struct {
	ID           string          `json:"id"`
	SupplierID   string          `json:"supplier_id"`
	Kind         TransactionKind `json:"kind"`
	Amount       int64           `json:"amount"`
	Description  string          `json:"description"`
	BalanceAfter int64           `json:"balance_after"`
	RFQID        string          `json:"rfq_id,omitempty"`
	QuotationID  string          `json:"quotation_id,omitempty"`
	PackageID    string          `json:"package_id,omitempty"`
	ProcessedBy  string          `json:"processed_by,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// TransactionInput describes one ledger write.
type TransactionInput struct {
	SupplierID  string
	Kind        TransactionKind
	Amount      int64
	Description string
	RFQID       string
	QuotationID string
	PackageID   string
	ProcessedBy string
}

// Validate checks the kind-dependent amount sign rules and required fields.
func (in TransactionInput) Validate() error {
	if strings.TrimSpace(in.SupplierID) == "" {
		return fmt.Errorf("%w: supplier_id is required", ErrInvalidInput)
	}
	if strings.TrimSpace(in.Description) == "" {
		return fmt.Errorf("%w: description is required", ErrInvalidInput)
	}
	switch in.Kind {
	case KindPurchase, KindRefund:
		if in.Amount <= 0 {
			return fmt.Errorf("%w: %s amount must be positive", ErrInvalidInput, in.Kind)
		}
	case KindDeduction:
		if in.Amount >= 0 {
			return fmt.Errorf("%w: deduction amount must be negative", ErrInvalidInput)
		}
	case KindAdminAdjustment:
		if in.Amount == 0 {
			return fmt.Errorf("%w: adjustment amount must be non-zero", ErrInvalidInput)
		}
	default:
		return fmt.Errorf("%w: unsupported transaction kind %q", ErrInvalidInput, in.Kind)
	}
	return nil
}

// NotificationType is the closed enumeration of notification kinds.
type NotificationType string

const (
	NotificationRFQPosted            NotificationType = "rfq_posted"
	NotificationQuotationReceived    NotificationType = "quotation_received"
	NotificationQuotationAccepted    NotificationType = "quotation_accepted"
	NotificationQuotationRejected    NotificationType = "quotation_rejected"
	NotificationVerificationApproved NotificationType = "verification_approved"
	NotificationVerificationRejected NotificationType = "verification_rejected"
	NotificationCreditsPurchased     NotificationType = "credits_purchased"
)

// Notification is owned by its single recipient identity; only the read
// flag ever changes after creation.
type Notification struct {
	ID          string            `json:"id"`
	IdentityID  string            `json:"identity_id"`
	Type        NotificationType  `json:"type"`
	Title       string            `json:"title"`
	Message     string            `json:"message"`
	Read        bool              `json:"read"`
	RFQID       string            `json:"rfq_id,omitempty"`
	QuotationID string            `json:"quotation_id,omitempty"`
	Meta        map[string]string `json:"meta,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// CreditPackage is a purchasable bundle of credits.
type CreditPackage struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Credits    int64  `json:"credits"`
	PriceCents int64  `json:"price_cents"`
	Active     bool   `json:"active"`
}

// PurchaseStatus is the explicit purchase state machine. "Package selected"
// and "credits granted" are distinct states; the ledger write happens only
// on the confirmed transition.
type PurchaseStatus string

const (
	PurchasePaymentPending PurchaseStatus = "payment_pending"
	PurchaseConfirmed      PurchaseStatus = "confirmed"
	PurchaseFailed         PurchaseStatus = "failed"
)

// Purchase tracks one two-phase credit purchase.
type Purchase struct {
	ID          string         `json:"id"`
	SupplierID  string         `json:"supplier_id"`
	PackageID   string         `json:"package_id"`
	Credits     int64          `json:"credits"`
	PriceCents  int64          `json:"price_cents"`
	Status      PurchaseStatus `json:"status"`
	ProviderRef string         `json:"provider_ref,omitempty"`
	FailReason  string         `json:"fail_reason,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	DecidedAt   *time.Time     `json:"decided_at,omitempty"`
}

// Decision reports the result of a verification cascade.
type Decision struct {
	OrganizationID   string             `json:"organization_id"`
	OrganizationName string             `json:"organization_name"`
	Kind             string             `json:"kind"`
	Outcome          VerificationStatus `json:"outcome"`
	CreatorID        string             `json:"creator_id,omitempty"`
	CreatorNotified  bool               `json:"creator_notified"`
}

// NewIdentityInput describes a signup.
type NewIdentityInput struct {
	Email    string
	Name     string
	Password string
	Type     AccountType
}

// QuotationStatus is the decided state of a quotation.
type QuotationStatus string

const (
	QuotationAccepted QuotationStatus = "accepted"
	QuotationRejected QuotationStatus = "rejected"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrForbidden           = errors.New("forbidden")
	ErrInvalidInput        = errors.New("invalid input")
	ErrConflict            = errors.New("conflict")
	ErrAlreadyDecided      = errors.New("organization already decided")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrSupplierNotApproved = errors.New("supplier is not approved")
	ErrInactivePackage     = errors.New("credit package is not active")
	ErrPurchaseDecided     = errors.New("purchase already decided")
)
