package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/stdlib"

	"carebid.org/internal/auth"
	"carebid.org/internal/ids"
	"carebid.org/internal/market"
	"carebid.org/internal/obs"
)

// Store implements market.Service on Postgres. Credit-affecting operations
// run in serializable transactions with the supplier row locked, so the
// balance snapshot chain stays gapless under concurrency.
type Store struct {
	db *sql.DB
}

var _ market.Service = (*Store)(nil)

// lockTimeout bounds every row-lock wait; a timed-out waiter surfaces as a
// retryable SQLSTATE 55P03 instead of blocking on the caller's context.
const lockTimeout = "3s"

func Open(dsn string) (*Store, error) {
	cfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	cfg.RuntimeParams["lock_timeout"] = lockTimeout
	db := stdlib.OpenDB(*cfg)
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

const serializableAttempts = 3

// serializable runs fn in a serializable transaction, retrying a bounded
// number of times on serialization failures (SQLSTATE 40001) and lock-wait
// timeouts (55P03) before surfacing ErrConflict.
func (s *Store) serializable(ctx context.Context, fn func(tx *sql.Tx) error) error {
	var lastErr error
	for attempt := 0; attempt < serializableAttempts; attempt++ {
		tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
		if err != nil {
			return err
		}
		err = fn(tx)
		if err == nil {
			err = tx.Commit()
			if err == nil {
				return nil
			}
		} else {
			_ = tx.Rollback()
		}
		if !isRetryableTxError(err) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("%w: %s", market.ErrConflict, lastErr)
}

func isRetryableTxError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "40001" || pgErr.Code == "55P03"
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (s *Store) CreateIdentity(ctx context.Context, in market.NewIdentityInput) (market.Identity, error) {
	email := strings.TrimSpace(strings.ToLower(in.Email))
	if email == "" || !strings.Contains(email, "@") {
		return market.Identity{}, fmt.Errorf("%w: valid email is required", market.ErrInvalidInput)
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return market.Identity{}, fmt.Errorf("%w: name is required", market.ErrInvalidInput)
	}
	switch in.Type {
	case market.AccountHospital, market.AccountSupplier, market.AccountHospitalStaff, market.AccountAdmin:
	default:
		return market.Identity{}, fmt.Errorf("%w: unsupported account type %q", market.ErrInvalidInput, in.Type)
	}
	hash, err := auth.HashPassword(in.Password)
	if err != nil {
		return market.Identity{}, fmt.Errorf("%w: %s", market.ErrInvalidInput, err)
	}

	status := market.StatusPending
	if in.Type == market.AccountAdmin {
		status = market.StatusApproved
	}
	id := market.Identity{
		ID:           ids.New(),
		Email:        email,
		Name:         name,
		Type:         in.Type,
		Status:       status,
		Active:       true,
		CreatedAt:    time.Now().UTC(),
		PasswordHash: hash,
	}
	_, err = s.db.ExecContext(ctx, `
		insert into identities(id, email, name, type, status, active, password_hash, created_at)
		values ($1,$2,$3,$4,$5,true,$6,$7)
	`, id.ID, id.Email, id.Name, string(id.Type), string(id.Status), id.PasswordHash, id.CreatedAt)
	if isUniqueViolation(err) {
		return market.Identity{}, fmt.Errorf("%w: email already registered", market.ErrConflict)
	}
	if err != nil {
		return market.Identity{}, err
	}
	return id, nil
}

const identityColumns = `id, email, name, type, status, active, coalesce(hospital_id,''), coalesce(supplier_id,''), password_hash, created_at`

func scanIdentity(row *sql.Row) (market.Identity, error) {
	var id market.Identity
	err := row.Scan(&id.ID, &id.Email, &id.Name, &id.Type, &id.Status, &id.Active,
		&id.HospitalID, &id.SupplierID, &id.PasswordHash, &id.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return market.Identity{}, market.ErrNotFound
	}
	if err != nil {
		return market.Identity{}, err
	}
	return id, nil
}

func (s *Store) GetIdentity(ctx context.Context, id string) (market.Identity, error) {
	return scanIdentity(s.db.QueryRowContext(ctx,
		`select `+identityColumns+` from identities where id=$1`, id))
}

func (s *Store) CreateHospital(ctx context.Context, name, creatorID string) (market.Hospital, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return market.Hospital{}, fmt.Errorf("%w: hospital name is required", market.ErrInvalidInput)
	}

	h := market.Hospital{
		ID:        ids.New(),
		Name:      name,
		Status:    market.StatusPending,
		CreatorID: creatorID,
		CreatedAt: time.Now().UTC(),
	}
	err := s.serializable(ctx, func(tx *sql.Tx) error {
		if err := lockUnaffiliatedIdentity(ctx, tx, creatorID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			insert into hospitals(id, name, status, creator_id, created_at)
			values ($1,$2,$3,$4,$5)
		`, h.ID, h.Name, string(h.Status), h.CreatorID, h.CreatedAt); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `update identities set hospital_id=$2 where id=$1`, creatorID, h.ID)
		return err
	})
	if err != nil {
		return market.Hospital{}, err
	}
	return h, nil
}

func (s *Store) CreateSupplier(ctx context.Context, name, creatorID string, categories []string) (market.Supplier, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return market.Supplier{}, fmt.Errorf("%w: supplier name is required", market.ErrInvalidInput)
	}

	sup := market.Supplier{
		ID:         ids.New(),
		Name:       name,
		Status:     market.StatusPending,
		Active:     true,
		CreatorID:  creatorID,
		Categories: dedupe(categories),
		CreatedAt:  time.Now().UTC(),
	}
	err := s.serializable(ctx, func(tx *sql.Tx) error {
		if err := lockUnaffiliatedIdentity(ctx, tx, creatorID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			insert into suppliers(id, name, status, active, creator_id, credits, created_at)
			values ($1,$2,$3,true,$4,0,$5)
		`, sup.ID, sup.Name, string(sup.Status), sup.CreatorID, sup.CreatedAt); err != nil {
			return err
		}
		for _, cat := range sup.Categories {
			if _, err := tx.ExecContext(ctx, `
				insert into supplier_categories(supplier_id, category_id) values ($1,$2)
			`, sup.ID, cat); err != nil {
				return err
			}
		}
		_, err := tx.ExecContext(ctx, `update identities set supplier_id=$2 where id=$1`, creatorID, sup.ID)
		return err
	})
	if err != nil {
		return market.Supplier{}, err
	}
	return sup, nil
}

// lockUnaffiliatedIdentity locks the identity row and fails with ErrConflict
// when it already belongs to an organization.
func lockUnaffiliatedIdentity(ctx context.Context, tx *sql.Tx, identityID string) error {
	var hospitalID, supplierID string
	err := tx.QueryRowContext(ctx, `
		select coalesce(hospital_id,''), coalesce(supplier_id,'')
		from identities where id=$1 for update
	`, identityID).Scan(&hospitalID, &supplierID)
	if errors.Is(err, sql.ErrNoRows) {
		return market.ErrNotFound
	}
	if err != nil {
		return err
	}
	if hospitalID != "" || supplierID != "" {
		return fmt.Errorf("%w: identity already belongs to an organization", market.ErrConflict)
	}
	return nil
}

func (s *Store) GetHospital(ctx context.Context, id string) (market.Hospital, error) {
	var h market.Hospital
	err := s.db.QueryRowContext(ctx, `
		select id, name, status, creator_id, created_at from hospitals where id=$1
	`, id).Scan(&h.ID, &h.Name, &h.Status, &h.CreatorID, &h.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return market.Hospital{}, market.ErrNotFound
	}
	if err != nil {
		return market.Hospital{}, err
	}
	return h, nil
}

func (s *Store) GetSupplier(ctx context.Context, id string) (market.Supplier, error) {
	var sup market.Supplier
	err := s.db.QueryRowContext(ctx, `
		select id, name, status, active, creator_id, credits, created_at
		from suppliers where id=$1
	`, id).Scan(&sup.ID, &sup.Name, &sup.Status, &sup.Active, &sup.CreatorID, &sup.Credits, &sup.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return market.Supplier{}, market.ErrNotFound
	}
	if err != nil {
		return market.Supplier{}, err
	}

	rows, err := s.db.QueryContext(ctx, `
		select category_id from supplier_categories where supplier_id=$1 order by category_id
	`, id)
	if err != nil {
		return market.Supplier{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var cat string
		if err := rows.Scan(&cat); err != nil {
			return market.Supplier{}, err
		}
		sup.Categories = append(sup.Categories, cat)
	}
	return sup, rows.Err()
}

func (s *Store) JoinOrganization(ctx context.Context, identityID, orgID string) (market.Identity, error) {
	err := s.serializable(ctx, func(tx *sql.Tx) error {
		if err := lockUnaffiliatedIdentity(ctx, tx, identityID); err != nil {
			return err
		}
		var exists bool
		if err := tx.QueryRowContext(ctx,
			`select exists(select 1 from hospitals where id=$1)`, orgID).Scan(&exists); err != nil {
			return err
		}
		if exists {
			_, err := tx.ExecContext(ctx, `update identities set hospital_id=$2 where id=$1`, identityID, orgID)
			return err
		}
		if err := tx.QueryRowContext(ctx,
			`select exists(select 1 from suppliers where id=$1)`, orgID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return market.ErrNotFound
		}
		_, err := tx.ExecContext(ctx, `update identities set supplier_id=$2 where id=$1`, identityID, orgID)
		return err
	})
	if err != nil {
		return market.Identity{}, err
	}
	return s.GetIdentity(ctx, identityID)
}

func (s *Store) ListPendingOrganizations(ctx context.Context) ([]market.OrganizationSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, name, 'hospital', status, creator_id, created_at
		from hospitals where status='pending'
		union all
		select id, name, 'supplier', status, creator_id, created_at
		from suppliers where status='pending'
		order by 6 asc
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []market.OrganizationSummary
	for rows.Next() {
		var o market.OrganizationSummary
		if err := rows.Scan(&o.ID, &o.Name, &o.Kind, &o.Status, &o.CreatorID, &o.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	return result, rows.Err()
}

func (s *Store) DecideVerification(ctx context.Context, orgID string, outcome market.VerificationStatus, reason string) (market.Decision, error) {
	if outcome != market.StatusApproved && outcome != market.StatusRejected {
		return market.Decision{}, fmt.Errorf("%w: outcome must be approved or rejected", market.ErrInvalidInput)
	}

	var decision market.Decision
	err := s.serializable(ctx, func(tx *sql.Tx) error {
		var (
			name      string
			kind      string
			creatorID string
			status    string
		)
		// Lock the organization row so concurrent decisions serialize.
		err := tx.QueryRowContext(ctx, `
			select name, 'supplier', creator_id, status from suppliers where id=$1 for update
		`, orgID).Scan(&name, &kind, &creatorID, &status)
		if errors.Is(err, sql.ErrNoRows) {
			err = tx.QueryRowContext(ctx, `
				select name, 'hospital', creator_id, status from hospitals where id=$1 for update
			`, orgID).Scan(&name, &kind, &creatorID, &status)
		}
		if errors.Is(err, sql.ErrNoRows) {
			return market.ErrNotFound
		}
		if err != nil {
			return err
		}
		if status != string(market.StatusPending) {
			return market.ErrAlreadyDecided
		}

		table := "suppliers"
		if kind == "hospital" {
			table = "hospitals"
		}
		if _, err := tx.ExecContext(ctx,
			`update `+table+` set status=$2 where id=$1`, orgID, string(outcome)); err != nil {
			return err
		}

		decision = market.Decision{
			OrganizationID:   orgID,
			OrganizationName: name,
			Kind:             kind,
			Outcome:          outcome,
			CreatorID:        creatorID,
		}

		res, err := tx.ExecContext(ctx,
			`update identities set status=$2 where id=$1`, creatorID, string(outcome))
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			// Tolerated: the organization-side update is valid on its own.
			lg := obs.Logger()
			lg.Warn().
				Str("organization_id", orgID).
				Str("creator_id", creatorID).
				Msg("verification cascade: creator identity missing")
			return nil
		}

		c, err := market.Render(market.VerificationDecided{
			IdentityID:       creatorID,
			Outcome:          outcome,
			OrganizationName: name,
			Reason:           reason,
		})
		if err != nil {
			return err
		}
		if err := insertNotification(ctx, tx, creatorID, c); err != nil {
			return err
		}
		decision.CreatorNotified = true
		obs.ObserveFanout(market.VerificationDecided{}.EventType(), 1)
		return nil
	})
	if err != nil {
		return market.Decision{}, err
	}
	obs.ObserveDecision(string(outcome))
	return decision, nil
}

func (s *Store) RecordTransaction(ctx context.Context, in market.TransactionInput) (market.CreditTransaction, error) {
	if err := in.Validate(); err != nil {
		return market.CreditTransaction{}, err
	}

	var out market.CreditTransaction
	err := s.serializable(ctx, func(tx *sql.Tx) error {
		var err error
		out, err = appendTransaction(ctx, tx, in)
		return err
	})
	if err != nil {
		return market.CreditTransaction{}, err
	}
	return out, nil
}

// appendTransaction locks the supplier row, enforces the zero floor, applies
// the delta and appends the ledger row. Callers run it inside a serializable
// transaction.
func appendTransaction(ctx context.Context, tx *sql.Tx, in market.TransactionInput) (market.CreditTransaction, error) {
	var balance int64
	err := tx.QueryRowContext(ctx,
		`select credits from suppliers where id=$1 for update`, in.SupplierID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return market.CreditTransaction{}, market.ErrNotFound
	}
	if err != nil {
		return market.CreditTransaction{}, err
	}

	newBalance := balance + in.Amount
	if newBalance < 0 {
		return market.CreditTransaction{}, market.ErrInsufficientCredits
	}
	if _, err := tx.ExecContext(ctx,
		`update suppliers set credits=$2 where id=$1`, in.SupplierID, newBalance); err != nil {
		return market.CreditTransaction{}, err
	}

	out := market.CreditTransaction{
		ID:           ids.New(),
		SupplierID:   in.SupplierID,
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
	if _, err := tx.ExecContext(ctx, `
		insert into credit_transactions(id, supplier_id, kind, amount, description, balance_after,
			rfq_id, quotation_id, package_id, processed_by, created_at)
		values ($1,$2,$3,$4,$5,$6,nullif($7,''),nullif($8,''),nullif($9,''),nullif($10,''),$11)
	`, out.ID, out.SupplierID, string(out.Kind), out.Amount, out.Description, out.BalanceAfter,
		out.RFQID, out.QuotationID, out.PackageID, out.ProcessedBy, out.CreatedAt); err != nil {
		return market.CreditTransaction{}, err
	}
	obs.ObserveLedgerWrite(string(in.Kind))
	return out, nil
}

func (s *Store) Balance(ctx context.Context, supplierID string) (int64, error) {
	var balance int64
	err := s.db.QueryRowContext(ctx,
		`select credits from suppliers where id=$1`, supplierID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, market.ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return balance, nil
}

func (s *Store) History(ctx context.Context, supplierID string, limit int) ([]market.CreditTransaction, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`select exists(select 1 from suppliers where id=$1)`, supplierID).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, market.ErrNotFound
	}

	rows, err := s.db.QueryContext(ctx, `
		select id, supplier_id, kind, amount, description, balance_after,
			coalesce(rfq_id,''), coalesce(quotation_id,''), coalesce(package_id,''), coalesce(processed_by,''), created_at
		from credit_transactions
		where supplier_id=$1
		order by created_at desc, id desc
		limit $2
	`, supplierID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []market.CreditTransaction
	for rows.Next() {
		var t market.CreditTransaction
		if err := rows.Scan(&t.ID, &t.SupplierID, &t.Kind, &t.Amount, &t.Description, &t.BalanceAfter,
			&t.RFQID, &t.QuotationID, &t.PackageID, &t.ProcessedBy, &t.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

// CreatePackage registers a credit package. Admin tooling only; not part of
// the Service contract.
func (s *Store) CreatePackage(ctx context.Context, pkg market.CreditPackage) (market.CreditPackage, error) {
	if strings.TrimSpace(pkg.Name) == "" || pkg.Credits <= 0 || pkg.PriceCents <= 0 {
		return market.CreditPackage{}, fmt.Errorf("%w: package needs a name, positive credits and price", market.ErrInvalidInput)
	}
	pkg.ID = ids.New()
	_, err := s.db.ExecContext(ctx, `
		insert into credit_packages(id, name, credits, price_cents, active)
		values ($1,$2,$3,$4,$5)
	`, pkg.ID, pkg.Name, pkg.Credits, pkg.PriceCents, pkg.Active)
	if err != nil {
		return market.CreditPackage{}, err
	}
	return pkg, nil
}

func (s *Store) ListPackages(ctx context.Context) ([]market.CreditPackage, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, name, credits, price_cents, active
		from credit_packages where active order by price_cents asc
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []market.CreditPackage
	for rows.Next() {
		var p market.CreditPackage
		if err := rows.Scan(&p.ID, &p.Name, &p.Credits, &p.PriceCents, &p.Active); err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

func (s *Store) InitiatePurchase(ctx context.Context, supplierID, packageID string) (market.Purchase, error) {
	var p market.Purchase
	err := s.serializable(ctx, func(tx *sql.Tx) error {
		var status string
		var active bool
		err := tx.QueryRowContext(ctx,
			`select status, active from suppliers where id=$1 for update`, supplierID).Scan(&status, &active)
		if errors.Is(err, sql.ErrNoRows) {
			return market.ErrNotFound
		}
		if err != nil {
			return err
		}
		if status != string(market.StatusApproved) || !active {
			return market.ErrSupplierNotApproved
		}

		var pkg market.CreditPackage
		err = tx.QueryRowContext(ctx, `
			select id, name, credits, price_cents, active from credit_packages where id=$1
		`, packageID).Scan(&pkg.ID, &pkg.Name, &pkg.Credits, &pkg.PriceCents, &pkg.Active)
		if errors.Is(err, sql.ErrNoRows) {
			return market.ErrNotFound
		}
		if err != nil {
			return err
		}
		if !pkg.Active {
			return market.ErrInactivePackage
		}

		p = market.Purchase{
			ID:         ids.New(),
			SupplierID: supplierID,
			PackageID:  packageID,
			Credits:    pkg.Credits,
			PriceCents: pkg.PriceCents,
			Status:     market.PurchasePaymentPending,
			CreatedAt:  time.Now().UTC(),
		}
		_, err = tx.ExecContext(ctx, `
			insert into purchases(id, supplier_id, package_id, credits, price_cents, status, created_at)
			values ($1,$2,$3,$4,$5,$6,$7)
		`, p.ID, p.SupplierID, p.PackageID, p.Credits, p.PriceCents, string(p.Status), p.CreatedAt)
		return err
	})
	if err != nil {
		return market.Purchase{}, err
	}
	return p, nil
}

func scanPurchaseForUpdate(ctx context.Context, tx *sql.Tx, purchaseID string) (market.Purchase, error) {
	var p market.Purchase
	var decided sql.NullTime
	err := tx.QueryRowContext(ctx, `
		select id, supplier_id, package_id, credits, price_cents, status,
			coalesce(provider_ref,''), coalesce(fail_reason,''), created_at, decided_at
		from purchases where id=$1 for update
	`, purchaseID).Scan(&p.ID, &p.SupplierID, &p.PackageID, &p.Credits, &p.PriceCents, &p.Status,
		&p.ProviderRef, &p.FailReason, &p.CreatedAt, &decided)
	if errors.Is(err, sql.ErrNoRows) {
		return market.Purchase{}, market.ErrNotFound
	}
	if err != nil {
		return market.Purchase{}, err
	}
	if decided.Valid {
		t := decided.Time
		p.DecidedAt = &t
	}
	return p, nil
}

func (s *Store) ConfirmPurchase(ctx context.Context, purchaseID, providerRef string) (market.Purchase, error) {
	var out market.Purchase
	err := s.serializable(ctx, func(tx *sql.Tx) error {
		p, err := scanPurchaseForUpdate(ctx, tx, purchaseID)
		if err != nil {
			return err
		}
		switch p.Status {
		case market.PurchaseConfirmed:
			// The upstream payment step is idempotent; replay the stored result.
			out = p
			return nil
		case market.PurchaseFailed:
			return market.ErrPurchaseDecided
		}

		var pkgName string
		if err := tx.QueryRowContext(ctx,
			`select name from credit_packages where id=$1`, p.PackageID).Scan(&pkgName); err != nil {
			if !errors.Is(err, sql.ErrNoRows) {
				return err
			}
			pkgName = p.PackageID
		}

		ledgerTx, err := appendTransaction(ctx, tx, market.TransactionInput{
			SupplierID:  p.SupplierID,
			Kind:        market.KindPurchase,
			Amount:      p.Credits,
			Description: "Credit package " + pkgName,
			PackageID:   p.PackageID,
		})
		if err != nil {
			return err
		}

		c, err := market.Render(market.CreditsPurchased{
			SupplierID:  p.SupplierID,
			PackageName: pkgName,
			Credits:     p.Credits,
			NewBalance:  ledgerTx.BalanceAfter,
		})
		if err != nil {
			return err
		}
		n, err := fanOutToSupplier(ctx, tx, p.SupplierID, c)
		if err != nil {
			return err
		}
		obs.ObserveFanout(market.CreditsPurchased{}.EventType(), n)

		now := time.Now().UTC()
		if _, err := tx.ExecContext(ctx, `
			update purchases set status=$2, provider_ref=nullif($3,''), decided_at=$4 where id=$1
		`, p.ID, string(market.PurchaseConfirmed), providerRef, now); err != nil {
			return err
		}
		p.Status = market.PurchaseConfirmed
		p.ProviderRef = providerRef
		p.DecidedAt = &now
		out = p
		return nil
	})
	if err != nil {
		return market.Purchase{}, err
	}
	return out, nil
}

func (s *Store) FailPurchase(ctx context.Context, purchaseID, reason string) (market.Purchase, error) {
	var out market.Purchase
	err := s.serializable(ctx, func(tx *sql.Tx) error {
		p, err := scanPurchaseForUpdate(ctx, tx, purchaseID)
		if err != nil {
			return err
		}
		switch p.Status {
		case market.PurchaseFailed:
			out = p
			return nil
		case market.PurchaseConfirmed:
			return market.ErrPurchaseDecided
		}

		now := time.Now().UTC()
		if _, err := tx.ExecContext(ctx, `
			update purchases set status=$2, fail_reason=nullif($3,''), decided_at=$4 where id=$1
		`, p.ID, string(market.PurchaseFailed), reason, now); err != nil {
			return err
		}
		p.Status = market.PurchaseFailed
		p.FailReason = reason
		p.DecidedAt = &now
		out = p
		return nil
	})
	if err != nil {
		return market.Purchase{}, err
	}
	return out, nil
}

func (s *Store) Notify(ctx context.Context, event market.Event) (int, error) {
	c, err := market.Render(event)
	if err != nil {
		return 0, err
	}

	var count int
	err = s.serializable(ctx, func(tx *sql.Tx) error {
		recipients, err := recipientsFor(ctx, tx, event)
		if err != nil {
			return err
		}
		for _, id := range recipients {
			if err := insertNotification(ctx, tx, id, c); err != nil {
				return err
			}
		}
		count = len(recipients)
		return nil
	})
	if err != nil {
		return 0, err
	}
	obs.ObserveFanout(event.EventType(), count)
	return count, nil
}

// recipientsFor computes the deduplicated recipient identity set for one
// event. Identity back-references keep each identity in at most one
// organization, so the queries cannot produce duplicates.
func recipientsFor(ctx context.Context, tx *sql.Tx, event market.Event) ([]string, error) {
	switch e := event.(type) {
	case market.NewRFQ:
		return queryIDs(ctx, tx, `
			select i.id
			from identities i
			join suppliers s on s.id = i.supplier_id
			join supplier_categories sc on sc.supplier_id = s.id
			where s.status='approved' and s.active and sc.category_id=$1
		`, e.CategoryID)
	case market.QuotationSubmitted:
		if err := requireRow(ctx, tx, `select 1 from hospitals where id=$1`, e.HospitalID); err != nil {
			return nil, err
		}
		return queryIDs(ctx, tx, `select id from identities where hospital_id=$1`, e.HospitalID)
	case market.QuotationStatusChanged:
		if err := requireRow(ctx, tx, `select 1 from suppliers where id=$1`, e.SupplierID); err != nil {
			return nil, err
		}
		return queryIDs(ctx, tx, `select id from identities where supplier_id=$1`, e.SupplierID)
	case market.VerificationDecided:
		if err := requireRow(ctx, tx, `select 1 from identities where id=$1`, e.IdentityID); err != nil {
			return nil, err
		}
		return []string{e.IdentityID}, nil
	case market.CreditsPurchased:
		if err := requireRow(ctx, tx, `select 1 from suppliers where id=$1`, e.SupplierID); err != nil {
			return nil, err
		}
		return queryIDs(ctx, tx, `select id from identities where supplier_id=$1`, e.SupplierID)
	default:
		return nil, fmt.Errorf("%w: unknown event %T", market.ErrInvalidInput, event)
	}
}

func requireRow(ctx context.Context, tx *sql.Tx, query string, args ...any) error {
	var dummy int
	err := tx.QueryRowContext(ctx, query, args...).Scan(&dummy)
	if errors.Is(err, sql.ErrNoRows) {
		return market.ErrNotFound
	}
	return err
}

func queryIDs(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]string, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func fanOutToSupplier(ctx context.Context, tx *sql.Tx, supplierID string, c market.Content) (int, error) {
	recipients, err := queryIDs(ctx, tx, `select id from identities where supplier_id=$1`, supplierID)
	if err != nil {
		return 0, err
	}
	for _, id := range recipients {
		if err := insertNotification(ctx, tx, id, c); err != nil {
			return 0, err
		}
	}
	return len(recipients), nil
}

func (s *Store) SubmitQuotation(ctx context.Context, supplierID string, event market.QuotationSubmitted, fee int64) (market.CreditTransaction, error) {
	if fee <= 0 {
		return market.CreditTransaction{}, fmt.Errorf("%w: quotation fee must be positive", market.ErrInvalidInput)
	}
	c, err := market.Render(event)
	if err != nil {
		return market.CreditTransaction{}, err
	}

	var out market.CreditTransaction
	err = s.serializable(ctx, func(tx *sql.Tx) error {
		var status string
		var active bool
		err := tx.QueryRowContext(ctx,
			`select status, active from suppliers where id=$1 for update`, supplierID).Scan(&status, &active)
		if errors.Is(err, sql.ErrNoRows) {
			return market.ErrNotFound
		}
		if err != nil {
			return err
		}
		if status != string(market.StatusApproved) || !active {
			return market.ErrSupplierNotApproved
		}
		if err := requireRow(ctx, tx, `select 1 from hospitals where id=$1`, event.HospitalID); err != nil {
			return err
		}

		out, err = appendTransaction(ctx, tx, market.TransactionInput{
			SupplierID:  supplierID,
			Kind:        market.KindDeduction,
			Amount:      -fee,
			Description: "Quotation fee for " + event.ProductName,
			RFQID:       event.RFQID,
			QuotationID: event.QuotationID,
		})
		if err != nil {
			return err
		}

		recipients, err := queryIDs(ctx, tx, `select id from identities where hospital_id=$1`, event.HospitalID)
		if err != nil {
			return err
		}
		for _, id := range recipients {
			if err := insertNotification(ctx, tx, id, c); err != nil {
				return err
			}
		}
		obs.ObserveFanout(event.EventType(), len(recipients))
		return nil
	})
	if err != nil {
		return market.CreditTransaction{}, err
	}
	return out, nil
}

func insertNotification(ctx context.Context, tx *sql.Tx, identityID string, c market.Content) error {
	meta, err := json.Marshal(c.Meta)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		insert into notifications(id, identity_id, type, title, message, read, rfq_id, quotation_id, meta, created_at)
		values ($1,$2,$3,$4,$5,false,nullif($6,''),nullif($7,''),$8,$9)
	`, ids.New(), identityID, string(c.Type), c.Title, c.Message, c.RFQID, c.QuotationID, meta, time.Now().UTC())
	return err
}

func (s *Store) Notifications(ctx context.Context, identityID string, onlyUnread bool, limit int) ([]market.Notification, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`select exists(select 1 from identities where id=$1)`, identityID).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, market.ErrNotFound
	}

	query := `
		select id, identity_id, type, title, message, read,
			coalesce(rfq_id,''), coalesce(quotation_id,''), meta, created_at
		from notifications
		where identity_id=$1`
	if onlyUnread {
		query += ` and not read`
	}
	query += ` order by created_at desc, id desc limit $2`

	rows, err := s.db.QueryContext(ctx, query, identityID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []market.Notification
	for rows.Next() {
		var n market.Notification
		var meta []byte
		if err := rows.Scan(&n.ID, &n.IdentityID, &n.Type, &n.Title, &n.Message, &n.Read,
			&n.RFQID, &n.QuotationID, &meta, &n.CreatedAt); err != nil {
			return nil, err
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &n.Meta); err != nil {
				return nil, err
			}
		}
		result = append(result, n)
	}
	return result, rows.Err()
}

func (s *Store) MarkNotificationRead(ctx context.Context, identityID, notificationID string) error {
	var recipient string
	err := s.db.QueryRowContext(ctx,
		`select identity_id from notifications where id=$1`, notificationID).Scan(&recipient)
	if errors.Is(err, sql.ErrNoRows) {
		return market.ErrNotFound
	}
	if err != nil {
		return err
	}
	if recipient != identityID {
		return market.ErrForbidden
	}
	_, err = s.db.ExecContext(ctx,
		`update notifications set read=true where id=$1`, notificationID)
	return err
}

func (s *Store) UnreadCount(ctx context.Context, identityID string) (int64, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`select exists(select 1 from identities where id=$1)`, identityID).Scan(&exists); err != nil {
		return 0, err
	}
	if !exists {
		return 0, market.ErrNotFound
	}
	var count int64
	err := s.db.QueryRowContext(ctx,
		`select count(*) from notifications where identity_id=$1 and not read`, identityID).Scan(&count)
	return count, err
}

// --- helpers ---

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
