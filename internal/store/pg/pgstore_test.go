package pg

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carebid.org/internal/market"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return &Store{db: db}, mock
}

func TestBalance(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("select credits from suppliers").
		WithArgs("sup-1").
		WillReturnRows(sqlmock.NewRows([]string{"credits"}).AddRow(120))

	balance, err := s.Balance(context.Background(), "sup-1")
	require.NoError(t, err)
	assert.Equal(t, int64(120), balance)

	mock.ExpectQuery("select credits from suppliers").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err = s.Balance(context.Background(), "missing")
	assert.ErrorIs(t, err, market.ErrNotFound)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordTransactionLocksAndAppends(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("select credits from suppliers where id=.* for update").
		WithArgs("sup-1").
		WillReturnRows(sqlmock.NewRows([]string{"credits"}).AddRow(50))
	mock.ExpectExec("update suppliers set credits").
		WithArgs("sup-1", int64(150)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into credit_transactions").
		WithArgs(sqlmock.AnyArg(), "sup-1", "admin_adjustment", int64(100), "grant", int64(150),
			"", "", "", "", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	tx, err := s.RecordTransaction(context.Background(), market.TransactionInput{
		SupplierID: "sup-1", Kind: market.KindAdminAdjustment, Amount: 100, Description: "grant",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(150), tx.BalanceAfter)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordTransactionEnforcesFloor(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("select credits from suppliers where id=.* for update").
		WithArgs("sup-1").
		WillReturnRows(sqlmock.NewRows([]string{"credits"}).AddRow(10))
	mock.ExpectRollback()

	_, err := s.RecordTransaction(context.Background(), market.TransactionInput{
		SupplierID: "sup-1", Kind: market.KindDeduction, Amount: -50, Description: "fee",
	})
	assert.ErrorIs(t, err, market.ErrInsufficientCredits)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordTransactionValidatesBeforeTouchingDB(t *testing.T) {
	s, mock := newMockStore(t)

	_, err := s.RecordTransaction(context.Background(), market.TransactionInput{
		SupplierID: "sup-1", Kind: market.KindPurchase, Amount: -5, Description: "bad",
	})
	assert.ErrorIs(t, err, market.ErrInvalidInput)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSerializableRetriesThenConflicts(t *testing.T) {
	s, mock := newMockStore(t)

	serialization := &pgconn.PgError{Code: "40001"}
	for i := 0; i < serializableAttempts; i++ {
		mock.ExpectBegin()
		mock.ExpectQuery("select credits from suppliers where id=.* for update").
			WithArgs("sup-1").
			WillReturnError(serialization)
		mock.ExpectRollback()
	}

	_, err := s.RecordTransaction(context.Background(), market.TransactionInput{
		SupplierID: "sup-1", Kind: market.KindDeduction, Amount: -5, Description: "fee",
	})
	assert.ErrorIs(t, err, market.ErrConflict)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSerializableRetriesLockTimeoutThenConflicts(t *testing.T) {
	s, mock := newMockStore(t)

	// A lock_timeout expiry on the supplier row wait behaves like a
	// serialization failure: retried, then surfaced as a conflict.
	lockWait := &pgconn.PgError{Code: "55P03"}
	for i := 0; i < serializableAttempts; i++ {
		mock.ExpectBegin()
		mock.ExpectQuery("select credits from suppliers where id=.* for update").
			WithArgs("sup-1").
			WillReturnError(lockWait)
		mock.ExpectRollback()
	}

	_, err := s.RecordTransaction(context.Background(), market.TransactionInput{
		SupplierID: "sup-1", Kind: market.KindDeduction, Amount: -5, Description: "fee",
	})
	assert.ErrorIs(t, err, market.ErrConflict)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDecideVerificationApprovesAndNotifies(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("select name, 'supplier', creator_id, status from suppliers where id=.* for update").
		WithArgs("sup-1").
		WillReturnRows(sqlmock.NewRows([]string{"name", "kind", "creator_id", "status"}).
			AddRow("Medline", "supplier", "id-1", "pending"))
	mock.ExpectExec("update suppliers set status").
		WithArgs("sup-1", "approved").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("update identities set status").
		WithArgs("id-1", "approved").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into notifications").
		WithArgs(sqlmock.AnyArg(), "id-1", "verification_approved", sqlmock.AnyArg(),
			sqlmock.AnyArg(), "", "", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	decision, err := s.DecideVerification(context.Background(), "sup-1", market.StatusApproved, "")
	require.NoError(t, err)
	assert.Equal(t, market.StatusApproved, decision.Outcome)
	assert.True(t, decision.CreatorNotified)
	assert.Equal(t, "Medline", decision.OrganizationName)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDecideVerificationAlreadyDecided(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("select name, 'supplier', creator_id, status from suppliers where id=.* for update").
		WithArgs("sup-1").
		WillReturnRows(sqlmock.NewRows([]string{"name", "kind", "creator_id", "status"}).
			AddRow("Medline", "supplier", "id-1", "approved"))
	mock.ExpectRollback()

	_, err := s.DecideVerification(context.Background(), "sup-1", market.StatusRejected, "")
	assert.ErrorIs(t, err, market.ErrAlreadyDecided)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDecideVerificationToleratesMissingCreator(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("select name, 'supplier', creator_id, status from suppliers where id=.* for update").
		WithArgs("sup-1").
		WillReturnRows(sqlmock.NewRows([]string{"name", "kind", "creator_id", "status"}).
			AddRow("Medline", "supplier", "ghost", "pending"))
	mock.ExpectExec("update suppliers set status").
		WithArgs("sup-1", "approved").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("update identities set status").
		WithArgs("ghost", "approved").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	decision, err := s.DecideVerification(context.Background(), "sup-1", market.StatusApproved, "")
	require.NoError(t, err)
	assert.False(t, decision.CreatorNotified)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestConfirmPurchaseGrantsCreditsOnce(t *testing.T) {
	s, mock := newMockStore(t)
	created := time.Now().UTC().Add(-time.Minute)

	mock.ExpectBegin()
	mock.ExpectQuery("from purchases where id=.* for update").
		WithArgs("pur-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "supplier_id", "package_id", "credits", "price_cents", "status",
			"provider_ref", "fail_reason", "created_at", "decided_at",
		}).AddRow("pur-1", "sup-1", "pkg-1", 100, 4900, "payment_pending", "", "", created, nil))
	mock.ExpectQuery("select name from credit_packages").
		WithArgs("pkg-1").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("Starter"))
	mock.ExpectQuery("select credits from suppliers where id=.* for update").
		WithArgs("sup-1").
		WillReturnRows(sqlmock.NewRows([]string{"credits"}).AddRow(20))
	mock.ExpectExec("update suppliers set credits").
		WithArgs("sup-1", int64(120)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into credit_transactions").
		WithArgs(sqlmock.AnyArg(), "sup-1", "purchase", int64(100), "Credit package Starter", int64(120),
			"", "", "pkg-1", "", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("select id from identities where supplier_id=").
		WithArgs("sup-1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("id-1").AddRow("id-2"))
	mock.ExpectExec("insert into notifications").
		WithArgs(sqlmock.AnyArg(), "id-1", "credits_purchased", sqlmock.AnyArg(),
			sqlmock.AnyArg(), "", "", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into notifications").
		WithArgs(sqlmock.AnyArg(), "id-2", "credits_purchased", sqlmock.AnyArg(),
			sqlmock.AnyArg(), "", "", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("update purchases set status").
		WithArgs("pur-1", "confirmed", "prov-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	p, err := s.ConfirmPurchase(context.Background(), "pur-1", "prov-1")
	require.NoError(t, err)
	assert.Equal(t, market.PurchaseConfirmed, p.Status)
	require.NotNil(t, p.DecidedAt)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestConfirmPurchaseReplaysConfirmed(t *testing.T) {
	s, mock := newMockStore(t)
	created := time.Now().UTC().Add(-time.Hour)
	decided := created.Add(time.Minute)

	mock.ExpectBegin()
	mock.ExpectQuery("from purchases where id=.* for update").
		WithArgs("pur-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "supplier_id", "package_id", "credits", "price_cents", "status",
			"provider_ref", "fail_reason", "created_at", "decided_at",
		}).AddRow("pur-1", "sup-1", "pkg-1", 100, 4900, "confirmed", "prov-1", "", created, decided))
	mock.ExpectCommit()

	p, err := s.ConfirmPurchase(context.Background(), "pur-1", "prov-other")
	require.NoError(t, err)
	assert.Equal(t, market.PurchaseConfirmed, p.Status)
	assert.Equal(t, "prov-1", p.ProviderRef)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestConfirmPurchaseRejectsFailed(t *testing.T) {
	s, mock := newMockStore(t)
	created := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery("from purchases where id=.* for update").
		WithArgs("pur-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "supplier_id", "package_id", "credits", "price_cents", "status",
			"provider_ref", "fail_reason", "created_at", "decided_at",
		}).AddRow("pur-1", "sup-1", "pkg-1", 100, 4900, "failed", "", "card declined", created, created))
	mock.ExpectRollback()

	_, err := s.ConfirmPurchase(context.Background(), "pur-1", "prov-1")
	assert.ErrorIs(t, err, market.ErrPurchaseDecided)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSubmitQuotationAtomicDeductAndFanout(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("select status, active from suppliers where id=.* for update").
		WithArgs("sup-1").
		WillReturnRows(sqlmock.NewRows([]string{"status", "active"}).AddRow("approved", true))
	mock.ExpectQuery("select 1 from hospitals").
		WithArgs("hosp-1").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	mock.ExpectQuery("select credits from suppliers where id=.* for update").
		WithArgs("sup-1").
		WillReturnRows(sqlmock.NewRows([]string{"credits"}).AddRow(10))
	mock.ExpectExec("update suppliers set credits").
		WithArgs("sup-1", int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into credit_transactions").
		WithArgs(sqlmock.AnyArg(), "sup-1", "deduction", int64(-3), sqlmock.AnyArg(), int64(7),
			"rfq-1", "q-1", "", "", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("select id from identities where hospital_id=").
		WithArgs("hosp-1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("id-h1"))
	mock.ExpectExec("insert into notifications").
		WithArgs(sqlmock.AnyArg(), "id-h1", "quotation_received", sqlmock.AnyArg(),
			sqlmock.AnyArg(), "rfq-1", "q-1", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	tx, err := s.SubmitQuotation(context.Background(), "sup-1", market.QuotationSubmitted{
		QuotationID: "q-1", RFQID: "rfq-1", HospitalID: "hosp-1",
		SupplierName: "Medline", ProductName: "Gloves", TotalPrice: 100,
	}, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(7), tx.BalanceAfter)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSubmitQuotationRequiresApprovedSupplier(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("select status, active from suppliers where id=.* for update").
		WithArgs("sup-1").
		WillReturnRows(sqlmock.NewRows([]string{"status", "active"}).AddRow("pending", true))
	mock.ExpectRollback()

	_, err := s.SubmitQuotation(context.Background(), "sup-1", market.QuotationSubmitted{
		QuotationID: "q-1", RFQID: "rfq-1", HospitalID: "hosp-1",
		SupplierName: "Medline", ProductName: "Gloves", TotalPrice: 100,
	}, 3)
	assert.ErrorIs(t, err, market.ErrSupplierNotApproved)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNotifyNewRFQSelectsApprovedCategorySuppliers(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("join supplier_categories").
		WithArgs("cat-surgical").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("id-1").AddRow("id-2"))
	mock.ExpectExec("insert into notifications").
		WithArgs(sqlmock.AnyArg(), "id-1", "rfq_posted", sqlmock.AnyArg(),
			sqlmock.AnyArg(), "rfq-1", "", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into notifications").
		WithArgs(sqlmock.AnyArg(), "id-2", "rfq_posted", sqlmock.AnyArg(),
			sqlmock.AnyArg(), "rfq-1", "", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	count, err := s.Notify(context.Background(), market.NewRFQ{
		RFQID: "rfq-1", CategoryID: "cat-surgical", ProductName: "Gloves", HospitalName: "St. Mary",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkNotificationReadOwnership(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("select identity_id from notifications").
		WithArgs("n-1").
		WillReturnRows(sqlmock.NewRows([]string{"identity_id"}).AddRow("id-owner"))

	err := s.MarkNotificationRead(context.Background(), "id-intruder", "n-1")
	assert.ErrorIs(t, err, market.ErrForbidden)

	mock.ExpectQuery("select identity_id from notifications").
		WithArgs("n-1").
		WillReturnRows(sqlmock.NewRows([]string{"identity_id"}).AddRow("id-owner"))
	mock.ExpectExec("update notifications set read=true").
		WithArgs("n-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.MarkNotificationRead(context.Background(), "id-owner", "n-1"))

	mock.ExpectQuery("select identity_id from notifications").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)
	err = s.MarkNotificationRead(context.Background(), "id-owner", "missing")
	assert.ErrorIs(t, err, market.ErrNotFound)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateIdentityDuplicateEmail(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("insert into identities").
		WithArgs(sqlmock.AnyArg(), "dup@example.com", "dup", "supplier", "pending",
			sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: "23505"})

	_, err := s.CreateIdentity(context.Background(), market.NewIdentityInput{
		Email: "dup@example.com", Name: "dup", Password: "pw-123456", Type: market.AccountSupplier,
	})
	assert.ErrorIs(t, err, market.ErrConflict)

	require.NoError(t, mock.ExpectationsWereMet())
}
