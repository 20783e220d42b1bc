package market

import (
	"context"
	"errors"

	"carebid.org/internal/auth"
)

// Guard enforces authorization in front of a Service. Role and ownership
// checks live here once, at the entry of every privileged operation; the
// wrapped implementation stays a trusted internal caller.
type Guard struct {
	inner Service
}

var _ Service = (*Guard)(nil)

// NewGuard wraps svc with authorization checks.
func NewGuard(svc Service) *Guard {
	return &Guard{inner: svc}
}

func (g *Guard) CreateIdentity(ctx context.Context, in NewIdentityInput) (Identity, error) {
	// Signup is open; minting admin identities is not.
	if in.Type == AccountAdmin {
		if err := auth.RequireRole(ctx, auth.RoleAdmin); err != nil {
			return Identity{}, err
		}
	}
	return g.inner.CreateIdentity(ctx, in)
}

func (g *Guard) GetIdentity(ctx context.Context, id string) (Identity, error) {
	caller, ok := auth.CallerID(ctx)
	if !ok {
		return Identity{}, auth.ErrUnauthenticated
	}
	if caller != id && !auth.HasRole(ctx, auth.RoleAdmin) {
		return Identity{}, ErrForbidden
	}
	return g.inner.GetIdentity(ctx, id)
}

func (g *Guard) CreateHospital(ctx context.Context, name, creatorID string) (Hospital, error) {
	if err := g.requireSelfOrAdmin(ctx, creatorID); err != nil {
		return Hospital{}, err
	}
	return g.inner.CreateHospital(ctx, name, creatorID)
}

func (g *Guard) CreateSupplier(ctx context.Context, name, creatorID string, categories []string) (Supplier, error) {
	if err := g.requireSelfOrAdmin(ctx, creatorID); err != nil {
		return Supplier{}, err
	}
	return g.inner.CreateSupplier(ctx, name, creatorID, categories)
}

func (g *Guard) GetHospital(ctx context.Context, id string) (Hospital, error) {
	if err := g.requireHospitalMember(ctx, id); err != nil {
		return Hospital{}, err
	}
	return g.inner.GetHospital(ctx, id)
}

func (g *Guard) GetSupplier(ctx context.Context, id string) (Supplier, error) {
	if err := g.requireSupplierMember(ctx, id); err != nil {
		return Supplier{}, err
	}
	return g.inner.GetSupplier(ctx, id)
}

func (g *Guard) JoinOrganization(ctx context.Context, identityID, orgID string) (Identity, error) {
	if err := g.requireSelfOrAdmin(ctx, identityID); err != nil {
		return Identity{}, err
	}
	return g.inner.JoinOrganization(ctx, identityID, orgID)
}

func (g *Guard) ListPendingOrganizations(ctx context.Context) ([]OrganizationSummary, error) {
	if err := auth.RequireRole(ctx, auth.RoleAdmin); err != nil {
		return nil, err
	}
	return g.inner.ListPendingOrganizations(ctx)
}

func (g *Guard) DecideVerification(ctx context.Context, orgID string, outcome VerificationStatus, reason string) (Decision, error) {
	if err := auth.RequireRole(ctx, auth.RoleAdmin); err != nil {
		return Decision{}, err
	}
	return g.inner.DecideVerification(ctx, orgID, outcome, reason)
}

func (g *Guard) RecordTransaction(ctx context.Context, in TransactionInput) (CreditTransaction, error) {
	if err := auth.RequireRole(ctx, auth.RoleAdmin); err != nil {
		return CreditTransaction{}, err
	}
	return g.inner.RecordTransaction(ctx, in)
}

func (g *Guard) Balance(ctx context.Context, supplierID string) (int64, error) {
	if err := g.requireSupplierMember(ctx, supplierID); err != nil {
		return 0, err
	}
	return g.inner.Balance(ctx, supplierID)
}

func (g *Guard) History(ctx context.Context, supplierID string, limit int) ([]CreditTransaction, error) {
	if err := g.requireSupplierMember(ctx, supplierID); err != nil {
		return nil, err
	}
	return g.inner.History(ctx, supplierID, limit)
}

func (g *Guard) ListPackages(ctx context.Context) ([]CreditPackage, error) {
	if _, ok := auth.CallerID(ctx); !ok {
		return nil, auth.ErrUnauthenticated
	}
	return g.inner.ListPackages(ctx)
}

func (g *Guard) InitiatePurchase(ctx context.Context, supplierID, packageID string) (Purchase, error) {
	if err := g.requireSupplierMember(ctx, supplierID); err != nil {
		return Purchase{}, err
	}
	return g.inner.InitiatePurchase(ctx, supplierID, packageID)
}

// Purchase confirmation and failure are driven by the payment provider
// callback, which authenticates with the admin role.
func (g *Guard) ConfirmPurchase(ctx context.Context, purchaseID, providerRef string) (Purchase, error) {
	if err := auth.RequireRole(ctx, auth.RoleAdmin); err != nil {
		return Purchase{}, err
	}
	return g.inner.ConfirmPurchase(ctx, purchaseID, providerRef)
}

func (g *Guard) FailPurchase(ctx context.Context, purchaseID, reason string) (Purchase, error) {
	if err := auth.RequireRole(ctx, auth.RoleAdmin); err != nil {
		return Purchase{}, err
	}
	return g.inner.FailPurchase(ctx, purchaseID, reason)
}

func (g *Guard) Notify(ctx context.Context, event Event) (int, error) {
	var err error
	switch event.(type) {
	case NewRFQ, QuotationStatusChanged:
		err = auth.RequireAnyRole(ctx, auth.RoleHospital, auth.RoleHospitalStaff, auth.RoleAdmin)
	default:
		// VerificationDecided and CreditsPurchased are emitted internally.
		err = auth.RequireRole(ctx, auth.RoleAdmin)
	}
	if err != nil {
		return 0, err
	}
	return g.inner.Notify(ctx, event)
}

func (g *Guard) SubmitQuotation(ctx context.Context, supplierID string, event QuotationSubmitted, fee int64) (CreditTransaction, error) {
	if err := g.requireSupplierMember(ctx, supplierID); err != nil {
		return CreditTransaction{}, err
	}
	return g.inner.SubmitQuotation(ctx, supplierID, event, fee)
}

func (g *Guard) Notifications(ctx context.Context, identityID string, onlyUnread bool, limit int) ([]Notification, error) {
	if err := g.requireSelfOrAdmin(ctx, identityID); err != nil {
		return nil, err
	}
	return g.inner.Notifications(ctx, identityID, onlyUnread, limit)
}

func (g *Guard) MarkNotificationRead(ctx context.Context, identityID, notificationID string) error {
	if err := g.requireSelfOrAdmin(ctx, identityID); err != nil {
		return err
	}
	return g.inner.MarkNotificationRead(ctx, identityID, notificationID)
}

func (g *Guard) UnreadCount(ctx context.Context, identityID string) (int64, error) {
	if err := g.requireSelfOrAdmin(ctx, identityID); err != nil {
		return 0, err
	}
	return g.inner.UnreadCount(ctx, identityID)
}

func (g *Guard) requireSelfOrAdmin(ctx context.Context, identityID string) error {
	caller, ok := auth.CallerID(ctx)
	if !ok {
		return auth.ErrUnauthenticated
	}
	if caller == identityID || auth.HasRole(ctx, auth.RoleAdmin) {
		return nil
	}
	return ErrForbidden
}

// requireSupplierMember allows admins and identities whose supplier
// back-reference matches supplierID.
func (g *Guard) requireSupplierMember(ctx context.Context, supplierID string) error {
	caller, ok := auth.CallerID(ctx)
	if !ok {
		return auth.ErrUnauthenticated
	}
	if auth.HasRole(ctx, auth.RoleAdmin) {
		return nil
	}
	identity, err := g.inner.GetIdentity(ctx, caller)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrForbidden
		}
		return err
	}
	if identity.SupplierID != supplierID {
		return ErrForbidden
	}
	return nil
}

func (g *Guard) requireHospitalMember(ctx context.Context, hospitalID string) error {
	caller, ok := auth.CallerID(ctx)
	if !ok {
		return auth.ErrUnauthenticated
	}
	if auth.HasRole(ctx, auth.RoleAdmin) {
		return nil
	}
	identity, err := g.inner.GetIdentity(ctx, caller)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrForbidden
		}
		return err
	}
	if identity.HospitalID != hospitalID {
		return ErrForbidden
	}
	return nil
}
