package market

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"carebid.org/internal/auth"
	"carebid.org/internal/ids"
	"carebid.org/internal/obs"
)

// InMemory implements Service with in-process concurrency safety. It backs
// tests and local development; production runs on the Postgres store.
type InMemory struct {
	mu            sync.RWMutex
	identities    map[string]*Identity
	hospitals     map[string]*Hospital
	suppliers     map[string]*Supplier
	transactions  map[string][]CreditTransaction // supplier id -> rows, append order
	notifications []Notification                 // append order
	packages      map[string]*CreditPackage
	purchases     map[string]*Purchase
}

var _ Service = (*InMemory)(nil)

// NewInMemory creates an empty marketplace store.
func NewInMemory() *InMemory {
	return &InMemory{
		identities:   make(map[string]*Identity),
		hospitals:    make(map[string]*Hospital),
		suppliers:    make(map[string]*Supplier),
		transactions: make(map[string][]CreditTransaction),
		packages:     make(map[string]*CreditPackage),
		purchases:    make(map[string]*Purchase),
	}
}

func (s *InMemory) CreateIdentity(ctx context.Context, in NewIdentityInput) (Identity, error) {
	email := strings.TrimSpace(strings.ToLower(in.Email))
	if email == "" || !strings.Contains(email, "@") {
		return Identity{}, fmt.Errorf("%w: valid email is required", ErrInvalidInput)
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return Identity{}, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	switch in.Type {
	case AccountHospital, AccountSupplier, AccountHospitalStaff, AccountAdmin:
	default:
		return Identity{}, fmt.Errorf("%w: unsupported account type %q", ErrInvalidInput, in.Type)
	}
	hash, err := auth.HashPassword(in.Password)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %s", ErrInvalidInput, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.identities {
		if existing.Email == email {
			return Identity{}, fmt.Errorf("%w: email already registered", ErrConflict)
		}
	}

	status := StatusPending
	if in.Type == AccountAdmin {
		status = StatusApproved
	}
	id := &Identity{
		ID:           ids.New(),
		Email:        email,
		Name:         name,
		Type:         in.Type,
		Status:       status,
		Active:       true,
		CreatedAt:    time.Now().UTC(),
		PasswordHash: hash,
	}
	s.identities[id.ID] = id
	return *id, nil
}

func (s *InMemory) GetIdentity(ctx context.Context, id string) (Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	identity, ok := s.identities[id]
	if !ok {
		return Identity{}, ErrNotFound
	}
	return *identity, nil
}

func (s *InMemory) CreateHospital(ctx context.Context, name, creatorID string) (Hospital, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Hospital{}, fmt.Errorf("%w: hospital name is required", ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	creator, ok := s.identities[creatorID]
	if !ok {
		return Hospital{}, ErrNotFound
	}
	if creator.HospitalID != "" || creator.SupplierID != "" {
		return Hospital{}, fmt.Errorf("%w: identity already belongs to an organization", ErrConflict)
	}

	h := &Hospital{
		ID:        ids.New(),
		Name:      name,
		Status:    StatusPending,
		CreatorID: creatorID,
		CreatedAt: time.Now().UTC(),
	}
	s.hospitals[h.ID] = h
	creator.HospitalID = h.ID
	return *h, nil
}

func (s *InMemory) CreateSupplier(ctx context.Context, name, creatorID string, categories []string) (Supplier, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Supplier{}, fmt.Errorf("%w: supplier name is required", ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	creator, ok := s.identities[creatorID]
	if !ok {
		return Supplier{}, ErrNotFound
	}
	if creator.HospitalID != "" || creator.SupplierID != "" {
		return Supplier{}, fmt.Errorf("%w: identity already belongs to an organization", ErrConflict)
	}

	sup := &Supplier{
		ID:         ids.New(),
		Name:       name,
		Status:     StatusPending,
		Active:     true,
		CreatorID:  creatorID,
		Categories: dedupe(categories),
		CreatedAt:  time.Now().UTC(),
	}
	s.suppliers[sup.ID] = sup
	creator.SupplierID = sup.ID
	return *sup, nil
}

func (s *InMemory) GetHospital(ctx context.Context, id string) (Hospital, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.hospitals[id]
	if !ok {
		return Hospital{}, ErrNotFound
	}
	return *h, nil
}

func (s *InMemory) GetSupplier(ctx context.Context, id string) (Supplier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sup, ok := s.suppliers[id]
	if !ok {
		return Supplier{}, ErrNotFound
	}
	out := *sup
	out.Categories = append([]string(nil), sup.Categories...)
	return out, nil
}

func (s *InMemory) JoinOrganization(ctx context.Context, identityID, orgID string) (Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	identity, ok := s.identities[identityID]
	if !ok {
		return Identity{}, ErrNotFound
	}
	if identity.HospitalID != "" || identity.SupplierID != "" {
		return Identity{}, fmt.Errorf("%w: identity already belongs to an organization", ErrConflict)
	}
	if _, ok := s.hospitals[orgID]; ok {
		identity.HospitalID = orgID
		return *identity, nil
	}
	if _, ok := s.suppliers[orgID]; ok {
		identity.SupplierID = orgID
		return *identity, nil
	}
	return Identity{}, ErrNotFound
}

func (s *InMemory) ListPendingOrganizations(ctx context.Context) ([]OrganizationSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []OrganizationSummary
	for _, h := range s.hospitals {
		if h.Status == StatusPending {
			result = append(result, OrganizationSummary{
				ID: h.ID, Name: h.Name, Kind: "hospital",
				Status: h.Status, CreatorID: h.CreatorID, CreatedAt: h.CreatedAt,
			})
		}
	}
	for _, sup := range s.suppliers {
		if sup.Status == StatusPending {
			result = append(result, OrganizationSummary{
				ID: sup.ID, Name: sup.Name, Kind: "supplier",
				Status: sup.Status, CreatorID: sup.CreatorID, CreatedAt: sup.CreatedAt,
			})
		}
	}
	return result, nil
}

func (s *InMemory) DecideVerification(ctx context.Context, orgID string, outcome VerificationStatus, reason string) (Decision, error) {
	if outcome != StatusApproved && outcome != StatusRejected {
		return Decision{}, fmt.Errorf("%w: outcome must be approved or rejected", ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		name      string
		kind      string
		creatorID string
		status    *VerificationStatus
	)
	if sup, ok := s.suppliers[orgID]; ok {
		name, kind, creatorID, status = sup.Name, "supplier", sup.CreatorID, &sup.Status
	} else if h, ok := s.hospitals[orgID]; ok {
		name, kind, creatorID, status = h.Name, "hospital", h.CreatorID, &h.Status
	} else {
		return Decision{}, ErrNotFound
	}
	if *status != StatusPending {
		return Decision{}, ErrAlreadyDecided
	}

	*status = outcome
	decision := Decision{
		OrganizationID:   orgID,
		OrganizationName: name,
		Kind:             kind,
		Outcome:          outcome,
		CreatorID:        creatorID,
	}

	creator, ok := s.identities[creatorID]
	if !ok {
		// Tolerated: the organization-side update is valid on its own.
		lg := obs.Logger()
		lg.Warn().
			Str("organization_id", orgID).
			Str("creator_id", creatorID).
			Msg("verification cascade: creator identity missing")
		obs.ObserveDecision(string(outcome))
		return decision, nil
	}
	creator.Status = outcome

	c, err := Render(VerificationDecided{
		IdentityID:       creatorID,
		Outcome:          outcome,
		OrganizationName: name,
		Reason:           reason,
	})
	if err != nil {
		return Decision{}, err
	}
	s.appendNotification(creatorID, c)
	decision.CreatorNotified = true

	obs.ObserveDecision(string(outcome))
	obs.ObserveFanout(VerificationDecided{}.EventType(), 1)
	return decision, nil
}

func (s *InMemory) RecordTransaction(ctx context.Context, in TransactionInput) (CreditTransaction, error) {
	if err := in.Validate(); err != nil {
		return CreditTransaction{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sup, ok := s.suppliers[in.SupplierID]
	if !ok {
		return CreditTransaction{}, ErrNotFound
	}
	tx, err := s.appendTransaction(sup, in)
	if err != nil {
		return CreditTransaction{}, err
	}
	return tx, nil
}

// appendTransaction applies the balance delta and appends the ledger row.
// Callers hold the write lock, which is what linearizes concurrent
// credit-affecting operations per supplier.
func (s *InMemory) appendTransaction(sup *Supplier, in TransactionInput) (CreditTransaction, error) {
	newBalance := sup.Credits + in.Amount
	if newBalance < 0 {
		return CreditTransaction{}, ErrInsufficientCredits
	}
	sup.Credits = newBalance

	tx := CreditTransaction{
		ID:           ids.New(),
		SupplierID:   sup.ID,
		Kind:         in.Kind,
		Amount:       in.Amount,
		Description:  in.Description,
		BalanceAfter: newBalance,
		RFQID:        in.RFQID,
		QuotationID:  in.QuotationID,
		PackageID:    in.PackageID,
		ProcessedBy:  in.ProcessedBy,
		CreatedAt:    time.Now().UTC(),
	}
	s.transactions[sup.ID] = append(s.transactions[sup.ID], tx)
	obs.ObserveLedgerWrite(string(in.Kind))
	return tx, nil
}

func (s *InMemory) Balance(ctx context.Context, supplierID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sup, ok := s.suppliers[supplierID]
	if !ok {
		return 0, ErrNotFound
	}
	return sup.Credits, nil
}

func (s *InMemory) History(ctx context.Context, supplierID string, limit int) ([]CreditTransaction, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.suppliers[supplierID]; !ok {
		return nil, ErrNotFound
	}
	rows := s.transactions[supplierID]
	var result []CreditTransaction
	for i := len(rows) - 1; i >= 0 && len(result) < limit; i-- {
		result = append(result, rows[i])
	}
	return result, nil
}

// CreatePackage registers a credit package. Admin tooling only; not part of
// the Service contract.
func (s *InMemory) CreatePackage(ctx context.Context, pkg CreditPackage) (CreditPackage, error) {
	if strings.TrimSpace(pkg.Name) == "" || pkg.Credits <= 0 || pkg.PriceCents <= 0 {
		return CreditPackage{}, fmt.Errorf("%w: package needs a name, positive credits and price", ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	pkg.ID = ids.New()
	s.packages[pkg.ID] = &pkg
	return pkg, nil
}

func (s *InMemory) ListPackages(ctx context.Context) ([]CreditPackage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []CreditPackage
	for _, pkg := range s.packages {
		if pkg.Active {
			result = append(result, *pkg)
		}
	}
	return result, nil
}

func (s *InMemory) InitiatePurchase(ctx context.Context, supplierID, packageID string) (Purchase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sup, ok := s.suppliers[supplierID]
	if !ok {
		return Purchase{}, ErrNotFound
	}
	if sup.Status != StatusApproved || !sup.Active {
		return Purchase{}, ErrSupplierNotApproved
	}
	pkg, ok := s.packages[packageID]
	if !ok {
		return Purchase{}, ErrNotFound
	}
	if !pkg.Active {
		return Purchase{}, ErrInactivePackage
	}

	p := &Purchase{
		ID:         ids.New(),
		SupplierID: supplierID,
		PackageID:  packageID,
		Credits:    pkg.Credits,
		PriceCents: pkg.PriceCents,
		Status:     PurchasePaymentPending,
		CreatedAt:  time.Now().UTC(),
	}
	s.purchases[p.ID] = p
	return *p, nil
}

func (s *InMemory) ConfirmPurchase(ctx context.Context, purchaseID, providerRef string) (Purchase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.purchases[purchaseID]
	if !ok {
		return Purchase{}, ErrNotFound
	}
	switch p.Status {
	case PurchaseConfirmed:
		// The upstream payment step is idempotent; replay the stored result.
		return *p, nil
	case PurchaseFailed:
		return Purchase{}, ErrPurchaseDecided
	}

	sup, ok := s.suppliers[p.SupplierID]
	if !ok {
		return Purchase{}, ErrNotFound
	}
	pkg := s.packages[p.PackageID]
	pkgName := p.PackageID
	if pkg != nil {
		pkgName = pkg.Name
	}

	tx, err := s.appendTransaction(sup, TransactionInput{
		SupplierID:  sup.ID,
		Kind:        KindPurchase,
		Amount:      p.Credits,
		Description: "Credit package " + pkgName,
		PackageID:   p.PackageID,
	})
	if err != nil {
		return Purchase{}, err
	}

	c, err := Render(CreditsPurchased{
		SupplierID:  sup.ID,
		PackageName: pkgName,
		Credits:     p.Credits,
		NewBalance:  tx.BalanceAfter,
	})
	if err != nil {
		return Purchase{}, err
	}
	n := 0
	for _, recipient := range s.supplierIdentities(sup.ID) {
		s.appendNotification(recipient, c)
		n++
	}
	obs.ObserveFanout(CreditsPurchased{}.EventType(), n)

	now := time.Now().UTC()
	p.Status = PurchaseConfirmed
	p.ProviderRef = providerRef
	p.DecidedAt = &now
	return *p, nil
}

func (s *InMemory) FailPurchase(ctx context.Context, purchaseID, reason string) (Purchase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.purchases[purchaseID]
	if !ok {
		return Purchase{}, ErrNotFound
	}
	switch p.Status {
	case PurchaseFailed:
		return *p, nil
	case PurchaseConfirmed:
		return Purchase{}, ErrPurchaseDecided
	}

	now := time.Now().UTC()
	p.Status = PurchaseFailed
	p.FailReason = reason
	p.DecidedAt = &now
	return *p, nil
}

func (s *InMemory) Notify(ctx context.Context, event Event) (int, error) {
	c, err := Render(event)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	recipients, err := s.recipientsFor(event)
	if err != nil {
		return 0, err
	}
	for _, id := range recipients {
		s.appendNotification(id, c)
	}
	obs.ObserveFanout(event.EventType(), len(recipients))
	return len(recipients), nil
}

// recipientsFor computes the deduplicated recipient identity set for one
// event. Callers hold the lock.
func (s *InMemory) recipientsFor(event Event) ([]string, error) {
	seen := make(map[string]struct{})
	var out []string
	add := func(id string) {
		if _, dup := seen[id]; dup {
			return
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}

	switch e := event.(type) {
	case NewRFQ:
		for _, sup := range s.suppliers {
			if sup.Status != StatusApproved || !sup.Active {
				continue
			}
			if !contains(sup.Categories, e.CategoryID) {
				continue
			}
			for _, id := range s.supplierIdentities(sup.ID) {
				add(id)
			}
		}
	case QuotationSubmitted:
		if _, ok := s.hospitals[e.HospitalID]; !ok {
			return nil, ErrNotFound
		}
		for _, identity := range s.identities {
			if identity.HospitalID == e.HospitalID {
				add(identity.ID)
			}
		}
	case QuotationStatusChanged:
		if _, ok := s.suppliers[e.SupplierID]; !ok {
			return nil, ErrNotFound
		}
		for _, id := range s.supplierIdentities(e.SupplierID) {
			add(id)
		}
	case VerificationDecided:
		if _, ok := s.identities[e.IdentityID]; !ok {
			return nil, ErrNotFound
		}
		add(e.IdentityID)
	case CreditsPurchased:
		if _, ok := s.suppliers[e.SupplierID]; !ok {
			return nil, ErrNotFound
		}
		for _, id := range s.supplierIdentities(e.SupplierID) {
			add(id)
		}
	default:
		return nil, fmt.Errorf("%w: unknown event %T", ErrInvalidInput, event)
	}
	return out, nil
}

func (s *InMemory) SubmitQuotation(ctx context.Context, supplierID string, event QuotationSubmitted, fee int64) (CreditTransaction, error) {
	if fee <= 0 {
		return CreditTransaction{}, fmt.Errorf("%w: quotation fee must be positive", ErrInvalidInput)
	}
	c, err := Render(event)
	if err != nil {
		return CreditTransaction{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sup, ok := s.suppliers[supplierID]
	if !ok {
		return CreditTransaction{}, ErrNotFound
	}
	if sup.Status != StatusApproved || !sup.Active {
		return CreditTransaction{}, ErrSupplierNotApproved
	}
	if _, ok := s.hospitals[event.HospitalID]; !ok {
		return CreditTransaction{}, ErrNotFound
	}

	tx, err := s.appendTransaction(sup, TransactionInput{
		SupplierID:  supplierID,
		Kind:        KindDeduction,
		Amount:      -fee,
		Description: "Quotation fee for " + event.ProductName,
		RFQID:       event.RFQID,
		QuotationID: event.QuotationID,
	})
	if err != nil {
		return CreditTransaction{}, err
	}

	n := 0
	for _, identity := range s.identities {
		if identity.HospitalID == event.HospitalID {
			s.appendNotification(identity.ID, c)
			n++
		}
	}
	obs.ObserveFanout(event.EventType(), n)
	return tx, nil
}

func (s *InMemory) Notifications(ctx context.Context, identityID string, onlyUnread bool, limit int) ([]Notification, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.identities[identityID]; !ok {
		return nil, ErrNotFound
	}
	var result []Notification
	for i := len(s.notifications) - 1; i >= 0 && len(result) < limit; i-- {
		n := s.notifications[i]
		if n.IdentityID != identityID {
			continue
		}
		if onlyUnread && n.Read {
			continue
		}
		result = append(result, n)
	}
	return result, nil
}

func (s *InMemory) MarkNotificationRead(ctx context.Context, identityID, notificationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.notifications {
		if s.notifications[i].ID != notificationID {
			continue
		}
		if s.notifications[i].IdentityID != identityID {
			return ErrForbidden
		}
		s.notifications[i].Read = true
		return nil
	}
	return ErrNotFound
}

func (s *InMemory) UnreadCount(ctx context.Context, identityID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.identities[identityID]; !ok {
		return 0, ErrNotFound
	}
	var count int64
	for _, n := range s.notifications {
		if n.IdentityID == identityID && !n.Read {
			count++
		}
	}
	return count, nil
}

// --- helpers ---

func (s *InMemory) supplierIdentities(supplierID string) []string {
	var out []string
	for _, identity := range s.identities {
		if identity.SupplierID == supplierID {
			out = append(out, identity.ID)
		}
	}
	return out
}

func (s *InMemory) appendNotification(identityID string, c Content) {
	meta := make(map[string]string, len(c.Meta))
	for k, v := range c.Meta {
		meta[k] = v
	}
	s.notifications = append(s.notifications, Notification{
		ID:          ids.New(),
		IdentityID:  identityID,
		Type:        c.Type,
		Title:       c.Title,
		Message:     c.Message,
		RFQID:       c.RFQID,
		QuotationID: c.QuotationID,
		Meta:        meta,
		CreatedAt:   time.Now().UTC(),
	})
}

func dedupe(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	var result []string
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		result = append(result, v)
	}
	return result
}

func contains(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}
