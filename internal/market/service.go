package market

import "context"

// Service defines the marketplace core: the verification cascade, the
// supplier credit ledger, and the notification fan-out engine, plus the
// identity/organization helpers they depend on.
//
// Every operation that touches more than one record executes as a single
// atomic unit in the backing store: partial application is never observable
// and failures roll back entirely. Credit-affecting operations for one
// supplier are linearized; a store that cannot serialize within its retry
// budget fails with ErrConflict and the caller may retry.
type Service interface {
	// Identity and organization helpers.
	CreateIdentity(ctx context.Context, in NewIdentityInput) (Identity, error)
	GetIdentity(ctx context.Context, id string) (Identity, error)
	CreateHospital(ctx context.Context, name, creatorID string) (Hospital, error)
	CreateSupplier(ctx context.Context, name, creatorID string, categories []string) (Supplier, error)
	GetHospital(ctx context.Context, id string) (Hospital, error)
	GetSupplier(ctx context.Context, id string) (Supplier, error)
	// JoinOrganization points an identity's back-reference at an existing
	// hospital or supplier. An identity belongs to at most one organization.
	JoinOrganization(ctx context.Context, identityID, orgID string) (Identity, error)
	ListPendingOrganizations(ctx context.Context) ([]OrganizationSummary, error)

	// DecideVerification applies an admin approve/reject decision to the
	// organization, cascades the same status to its creator identity, and
	// emits exactly one notification to the creator — one atomic unit. A
	// missing creator identity is tolerated: the organization-side update
	// stands alone and the cascade is skipped. Re-deciding an organization
	// fails with ErrAlreadyDecided.
	DecideVerification(ctx context.Context, orgID string, outcome VerificationStatus, reason string) (Decision, error)

	// RecordTransaction applies a signed amount to the supplier balance and
	// appends the ledger row carrying the resulting balance, atomically. A
	// negative amount that would take the balance below zero fails with
	// ErrInsufficientCredits and writes nothing.
	RecordTransaction(ctx context.Context, in TransactionInput) (CreditTransaction, error)
	Balance(ctx context.Context, supplierID string) (int64, error)
	// History returns the supplier's transactions, newest first.
	History(ctx context.Context, supplierID string, limit int) ([]CreditTransaction, error)

	// Two-phase purchase flow. InitiatePurchase validates the supplier is
	// approved and the package active, then parks a payment_pending
	// purchase; no credits move. ConfirmPurchase transitions it to
	// confirmed, appends the purchase ledger row and notifies the supplier
	// identities in one atomic unit; confirming an already-confirmed
	// purchase replays the stored result. FailPurchase closes the purchase
	// without touching the balance.
	ListPackages(ctx context.Context) ([]CreditPackage, error)
	InitiatePurchase(ctx context.Context, supplierID, packageID string) (Purchase, error)
	ConfirmPurchase(ctx context.Context, purchaseID, providerRef string) (Purchase, error)
	FailPurchase(ctx context.Context, purchaseID, reason string) (Purchase, error)

	// Notify expands one domain event into one notification per matching
	// recipient identity (deduplicated) and returns how many were written.
	Notify(ctx context.Context, event Event) (int, error)

	// SubmitQuotation deducts the quotation fee from the supplier and fans
	// the QuotationSubmitted event out to the hospital's identities, one
	// atomic unit. The fee deduction observes the balance floor.
	SubmitQuotation(ctx context.Context, supplierID string, event QuotationSubmitted, fee int64) (CreditTransaction, error)

	// Notification read path, scoped to the recipient.
	Notifications(ctx context.Context, identityID string, onlyUnread bool, limit int) ([]Notification, error)
	MarkNotificationRead(ctx context.Context, identityID, notificationID string) error
	UnreadCount(ctx context.Context, identityID string) (int64, error)
}
