package market

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSupplier(t *testing.T, s *InMemory, name string, categories ...string) (Supplier, Identity) {
	t.Helper()
	ctx := context.Background()
	creator, err := s.CreateIdentity(ctx, NewIdentityInput{
		Email:    name + "@suppliers.example",
		Name:     name + " owner",
		Password: "pw-123456",
		Type:     AccountSupplier,
	})
	require.NoError(t, err)
	sup, err := s.CreateSupplier(ctx, name, creator.ID, categories)
	require.NoError(t, err)
	return sup, creator
}

func newHospital(t *testing.T, s *InMemory, name string) (Hospital, Identity) {
	t.Helper()
	ctx := context.Background()
	creator, err := s.CreateIdentity(ctx, NewIdentityInput{
		Email:    name + "@hospitals.example",
		Name:     name + " owner",
		Password: "pw-123456",
		Type:     AccountHospital,
	})
	require.NoError(t, err)
	h, err := s.CreateHospital(ctx, name, creator.ID)
	require.NoError(t, err)
	return h, creator
}

func approve(t *testing.T, s *InMemory, orgID string) {
	t.Helper()
	_, err := s.DecideVerification(context.Background(), orgID, StatusApproved, "")
	require.NoError(t, err)
}

func addStaff(t *testing.T, s *InMemory, orgID, email string, typ AccountType) Identity {
	t.Helper()
	ctx := context.Background()
	staff, err := s.CreateIdentity(ctx, NewIdentityInput{
		Email:    email,
		Name:     "staff " + email,
		Password: "pw-123456",
		Type:     typ,
	})
	require.NoError(t, err)
	staff, err = s.JoinOrganization(ctx, staff.ID, orgID)
	require.NoError(t, err)
	return staff
}

func TestVerificationCascadeApprove(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	sup, creator := newSupplier(t, s, "Medline")

	decision, err := s.DecideVerification(ctx, sup.ID, StatusApproved, "")
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, decision.Outcome)
	assert.True(t, decision.CreatorNotified)

	got, err := s.GetSupplier(ctx, sup.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, got.Status)

	identity, err := s.GetIdentity(ctx, creator.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, identity.Status)

	notifications, err := s.Notifications(ctx, creator.ID, false, 10)
	require.NoError(t, err)
	require.Len(t, notifications, 1)
	assert.Equal(t, NotificationVerificationApproved, notifications[0].Type)
}

func TestVerificationCascadeRejectDefaultsReason(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	h, creator := newHospital(t, s, "St. Mary")

	_, err := s.DecideVerification(ctx, h.ID, StatusRejected, "")
	require.NoError(t, err)

	identity, err := s.GetIdentity(ctx, creator.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, identity.Status)

	notifications, err := s.Notifications(ctx, creator.ID, false, 10)
	require.NoError(t, err)
	require.Len(t, notifications, 1)
	assert.Equal(t, NotificationVerificationRejected, notifications[0].Type)
	assert.Contains(t, notifications[0].Message, DefaultRejectionReason)
}

func TestVerificationReDecisionConflicts(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	sup, _ := newSupplier(t, s, "Medline")
	approve(t, s, sup.ID)

	_, err := s.DecideVerification(ctx, sup.ID, StatusRejected, "changed my mind")
	assert.ErrorIs(t, err, ErrAlreadyDecided)

	_, err = s.DecideVerification(ctx, "missing", StatusApproved, "")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.DecideVerification(ctx, sup.ID, StatusPending, "")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestLedgerBalanceSnapshots(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	sup, _ := newSupplier(t, s, "Medline")
	approve(t, s, sup.ID)

	amounts := []int64{100, -30, 250, -70}
	kinds := []TransactionKind{KindAdminAdjustment, KindDeduction, KindAdminAdjustment, KindDeduction}
	var running int64
	for i, amount := range amounts {
		tx, err := s.RecordTransaction(ctx, TransactionInput{
			SupplierID:  sup.ID,
			Kind:        kinds[i],
			Amount:      amount,
			Description: fmt.Sprintf("movement %d", i),
		})
		require.NoError(t, err)
		running += amount
		assert.Equal(t, running, tx.BalanceAfter)
	}

	balance, err := s.Balance(ctx, sup.ID)
	require.NoError(t, err)
	assert.Equal(t, running, balance)

	history, err := s.History(ctx, sup.ID, 100)
	require.NoError(t, err)
	require.Len(t, history, len(amounts))
	// Newest first, and the latest snapshot equals the current balance.
	assert.Equal(t, balance, history[0].BalanceAfter)
	var sum int64
	for _, tx := range history {
		sum += tx.Amount
	}
	assert.Equal(t, balance, sum)
}

func TestLedgerFloorRejectsOverdraft(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	sup, _ := newSupplier(t, s, "Medline")
	approve(t, s, sup.ID)

	_, err := s.RecordTransaction(ctx, TransactionInput{
		SupplierID: sup.ID, Kind: KindAdminAdjustment, Amount: 40, Description: "grant",
	})
	require.NoError(t, err)

	_, err = s.RecordTransaction(ctx, TransactionInput{
		SupplierID: sup.ID, Kind: KindDeduction, Amount: -50, Description: "fee",
	})
	assert.ErrorIs(t, err, ErrInsufficientCredits)

	// Nothing was written by the rejected deduction.
	balance, err := s.Balance(ctx, sup.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(40), balance)
	history, err := s.History(ctx, sup.ID, 100)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestLedgerInputValidation(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	sup, _ := newSupplier(t, s, "Medline")

	cases := []TransactionInput{
		{SupplierID: sup.ID, Kind: KindPurchase, Amount: -10, Description: "wrong sign"},
		{SupplierID: sup.ID, Kind: KindRefund, Amount: 0, Description: "zero refund"},
		{SupplierID: sup.ID, Kind: KindDeduction, Amount: 10, Description: "wrong sign"},
		{SupplierID: sup.ID, Kind: KindAdminAdjustment, Amount: 0, Description: "zero adjust"},
		{SupplierID: sup.ID, Kind: "transfer", Amount: 10, Description: "unknown kind"},
		{SupplierID: sup.ID, Kind: KindPurchase, Amount: 10, Description: "  "},
	}
	for _, in := range cases {
		_, err := s.RecordTransaction(ctx, in)
		assert.ErrorIs(t, err, ErrInvalidInput, "input %+v", in)
	}

	_, err := s.RecordTransaction(ctx, TransactionInput{
		SupplierID: "missing", Kind: KindPurchase, Amount: 10, Description: "ghost",
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConcurrentTransactionsNeverLoseUpdates(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	sup, _ := newSupplier(t, s, "Medline")
	approve(t, s, sup.ID)

	_, err := s.RecordTransaction(ctx, TransactionInput{
		SupplierID: sup.ID, Kind: KindAdminAdjustment, Amount: 50, Description: "opening balance",
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = s.RecordTransaction(ctx, TransactionInput{
			SupplierID: sup.ID, Kind: KindAdminAdjustment, Amount: 100, Description: "credit",
		})
	}()
	go func() {
		defer wg.Done()
		_, _ = s.RecordTransaction(ctx, TransactionInput{
			SupplierID: sup.ID, Kind: KindDeduction, Amount: -30, Description: "debit",
		})
	}()
	wg.Wait()

	balance, err := s.Balance(ctx, sup.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(120), balance)

	history, err := s.History(ctx, sup.ID, 10)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, int64(120), history[0].BalanceAfter)
	intermediate := history[1].BalanceAfter
	assert.True(t, intermediate == 150 || intermediate == 20,
		"intermediate snapshot %d reachable only by a lost update", intermediate)
}

func TestConcurrentDeductionsConserveTotal(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	sup, _ := newSupplier(t, s, "Medline")
	approve(t, s, sup.ID)

	_, err := s.RecordTransaction(ctx, TransactionInput{
		SupplierID: sup.ID, Kind: KindAdminAdjustment, Amount: 1000, Description: "opening balance",
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	const n = 50
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.RecordTransaction(ctx, TransactionInput{
				SupplierID: sup.ID, Kind: KindDeduction, Amount: -10, Description: "fee",
			})
		}()
	}
	wg.Wait()

	balance, err := s.Balance(ctx, sup.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1000-10*n), balance)
}

func TestNewRFQFanout(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()

	matching, owner := newSupplier(t, s, "Medline", "cat-surgical")
	approve(t, s, matching.ID)
	staff := addStaff(t, s, matching.ID, "staff@medline.example", AccountSupplier)

	otherCategory, _ := newSupplier(t, s, "Labcorp", "cat-lab")
	approve(t, s, otherCategory.ID)

	pending, _ := newSupplier(t, s, "Pending Co", "cat-surgical")
	_ = pending

	rejected, _ := newSupplier(t, s, "Rejected Co", "cat-surgical")
	_, err := s.DecideVerification(ctx, rejected.ID, StatusRejected, "incomplete documents")
	require.NoError(t, err)

	count, err := s.Notify(ctx, NewRFQ{
		RFQID:        "rfq-1",
		CategoryID:   "cat-surgical",
		ProductName:  "Surgical gloves",
		HospitalName: "St. Mary",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	for _, id := range []string{owner.ID, staff.ID} {
		got, err := s.Notifications(ctx, id, true, 10)
		require.NoError(t, err)
		require.Len(t, got, 1, "identity %s must be notified exactly once", id)
		assert.Equal(t, NotificationRFQPosted, got[0].Type)
		assert.Equal(t, "rfq-1", got[0].RFQID)
	}
}

func TestSubmitQuotationDeductsAndNotifiesHospital(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()

	sup, supOwner := newSupplier(t, s, "Medline", "cat-surgical")
	approve(t, s, sup.ID)
	_, err := s.RecordTransaction(ctx, TransactionInput{
		SupplierID: sup.ID, Kind: KindAdminAdjustment, Amount: 10, Description: "grant",
	})
	require.NoError(t, err)

	h, hOwner := newHospital(t, s, "St. Mary")
	approve(t, s, h.ID)
	hStaff := addStaff(t, s, h.ID, "nurse@stmary.example", AccountHospitalStaff)

	tx, err := s.SubmitQuotation(ctx, sup.ID, QuotationSubmitted{
		QuotationID:  "q-1",
		RFQID:        "rfq-1",
		HospitalID:   h.ID,
		SupplierName: sup.Name,
		ProductName:  "Surgical gloves",
		TotalPrice:   4200,
	}, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(-3), tx.Amount)
	assert.Equal(t, int64(7), tx.BalanceAfter)
	assert.Equal(t, "q-1", tx.QuotationID)

	for _, id := range []string{hOwner.ID, hStaff.ID} {
		got, err := s.Notifications(ctx, id, true, 10)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, NotificationQuotationReceived, got[0].Type)
	}
	// The supplier side got nothing.
	got, err := s.Notifications(ctx, supOwner.ID, true, 10)
	require.NoError(t, err)
	for _, n := range got {
		assert.NotEqual(t, NotificationQuotationReceived, n.Type)
	}
}

func TestSubmitQuotationInsufficientCreditsWritesNothing(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()

	sup, _ := newSupplier(t, s, "Medline", "cat-surgical")
	approve(t, s, sup.ID)
	h, hOwner := newHospital(t, s, "St. Mary")
	approve(t, s, h.ID)

	_, err := s.SubmitQuotation(ctx, sup.ID, QuotationSubmitted{
		QuotationID: "q-1", RFQID: "rfq-1", HospitalID: h.ID,
		SupplierName: sup.Name, ProductName: "Gloves", TotalPrice: 100,
	}, 3)
	assert.ErrorIs(t, err, ErrInsufficientCredits)

	got, err := s.Notifications(ctx, hOwner.ID, true, 10)
	require.NoError(t, err)
	for _, n := range got {
		assert.NotEqual(t, NotificationQuotationReceived, n.Type)
	}
	history, err := s.History(ctx, sup.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestQuotationStatusChangeFanout(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()

	sup, owner := newSupplier(t, s, "Medline", "cat-surgical")
	approve(t, s, sup.ID)
	staff := addStaff(t, s, sup.ID, "staff@medline.example", AccountSupplier)

	bystander, _ := newSupplier(t, s, "Labcorp", "cat-lab")
	approve(t, s, bystander.ID)

	count, err := s.Notify(ctx, QuotationStatusChanged{
		QuotationID: "q-1", SupplierID: sup.ID, Status: QuotationAccepted,
		HospitalName: "St. Mary", ProductName: "Gloves",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	for _, id := range []string{owner.ID, staff.ID} {
		got, err := s.Notifications(ctx, id, true, 10)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, NotificationQuotationAccepted, got[0].Type)
	}

	count, err = s.Notify(ctx, QuotationStatusChanged{
		QuotationID: "q-2", SupplierID: sup.ID, Status: QuotationRejected,
		HospitalName: "St. Mary", ProductName: "Masks",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	got, err := s.Notifications(ctx, owner.ID, false, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, NotificationQuotationRejected, got[0].Type) // newest first
}

func TestPurchaseStateMachine(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()

	sup, owner := newSupplier(t, s, "Medline")
	pkg, err := s.CreatePackage(ctx, CreditPackage{Name: "Starter", Credits: 100, PriceCents: 4900, Active: true})
	require.NoError(t, err)

	// Pending suppliers cannot buy.
	_, err = s.InitiatePurchase(ctx, sup.ID, pkg.ID)
	assert.ErrorIs(t, err, ErrSupplierNotApproved)

	approve(t, s, sup.ID)
	p, err := s.InitiatePurchase(ctx, sup.ID, pkg.ID)
	require.NoError(t, err)
	assert.Equal(t, PurchasePaymentPending, p.Status)
	assert.Equal(t, int64(100), p.Credits)

	// Initiation alone moves no credits.
	balance, err := s.Balance(ctx, sup.ID)
	require.NoError(t, err)
	assert.Zero(t, balance)

	confirmed, err := s.ConfirmPurchase(ctx, p.ID, "prov-123")
	require.NoError(t, err)
	assert.Equal(t, PurchaseConfirmed, confirmed.Status)
	require.NotNil(t, confirmed.DecidedAt)

	balance, err = s.Balance(ctx, sup.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance)

	history, err := s.History(ctx, sup.ID, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, KindPurchase, history[0].Kind)
	assert.Equal(t, pkg.ID, history[0].PackageID)

	got, err := s.Notifications(ctx, owner.ID, true, 10)
	require.NoError(t, err)
	var purchased int
	for _, n := range got {
		if n.Type == NotificationCreditsPurchased {
			purchased++
		}
	}
	assert.Equal(t, 1, purchased)

	// Idempotent replay: no second ledger row, same stored result.
	again, err := s.ConfirmPurchase(ctx, p.ID, "prov-123")
	require.NoError(t, err)
	assert.Equal(t, confirmed.ID, again.ID)
	balance, err = s.Balance(ctx, sup.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance)

	// A confirmed purchase cannot fail.
	_, err = s.FailPurchase(ctx, p.ID, "late decline")
	assert.ErrorIs(t, err, ErrPurchaseDecided)
}

func TestPurchaseFailurePath(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()

	sup, _ := newSupplier(t, s, "Medline")
	approve(t, s, sup.ID)
	pkg, err := s.CreatePackage(ctx, CreditPackage{Name: "Starter", Credits: 100, PriceCents: 4900, Active: true})
	require.NoError(t, err)

	inactive, err := s.CreatePackage(ctx, CreditPackage{Name: "Legacy", Credits: 10, PriceCents: 900, Active: false})
	require.NoError(t, err)
	_, err = s.InitiatePurchase(context.Background(), sup.ID, inactive.ID)
	assert.ErrorIs(t, err, ErrInactivePackage)

	p, err := s.InitiatePurchase(ctx, sup.ID, pkg.ID)
	require.NoError(t, err)

	failed, err := s.FailPurchase(ctx, p.ID, "card declined")
	require.NoError(t, err)
	assert.Equal(t, PurchaseFailed, failed.Status)
	assert.Equal(t, "card declined", failed.FailReason)

	// Failure moved no credits and cannot be confirmed afterwards.
	balance, err := s.Balance(ctx, sup.ID)
	require.NoError(t, err)
	assert.Zero(t, balance)
	_, err = s.ConfirmPurchase(ctx, p.ID, "prov-1")
	assert.ErrorIs(t, err, ErrPurchaseDecided)

	// Re-failing replays the stored result.
	again, err := s.FailPurchase(ctx, p.ID, "ignored")
	require.NoError(t, err)
	assert.Equal(t, "card declined", again.FailReason)
}

func TestNotificationReadPath(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()

	sup, owner := newSupplier(t, s, "Medline", "cat-surgical")
	approve(t, s, sup.ID)
	intruder := addStaff(t, s, sup.ID, "second@medline.example", AccountSupplier)

	for i := 0; i < 3; i++ {
		_, err := s.Notify(ctx, QuotationStatusChanged{
			QuotationID: fmt.Sprintf("q-%d", i), SupplierID: sup.ID,
			Status: QuotationAccepted, HospitalName: "St. Mary", ProductName: "Gloves",
		})
		require.NoError(t, err)
	}

	count, err := s.UnreadCount(ctx, owner.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	list, err := s.Notifications(ctx, owner.ID, true, 10)
	require.NoError(t, err)
	require.Len(t, list, 3)

	// Only the recipient may flip the read flag.
	err = s.MarkNotificationRead(ctx, intruder.ID, list[0].ID)
	assert.ErrorIs(t, err, ErrForbidden)

	require.NoError(t, s.MarkNotificationRead(ctx, owner.ID, list[0].ID))
	count, err = s.UnreadCount(ctx, owner.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	err = s.MarkNotificationRead(ctx, owner.ID, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHistoryReturnsCopies(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	sup, _ := newSupplier(t, s, "Medline")
	approve(t, s, sup.ID)

	_, err := s.RecordTransaction(ctx, TransactionInput{
		SupplierID: sup.ID, Kind: KindAdminAdjustment, Amount: 10, Description: "grant",
	})
	require.NoError(t, err)

	history, err := s.History(ctx, sup.ID, 10)
	require.NoError(t, err)
	history[0].Amount = 999999
	history[0].BalanceAfter = 999999

	fresh, err := s.History(ctx, sup.ID, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(10), fresh[0].Amount)
	assert.Equal(t, int64(10), fresh[0].BalanceAfter)
}

func TestIdentityAndOrganizationHelpers(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()

	_, err := s.CreateIdentity(ctx, NewIdentityInput{Email: "bad", Name: "x", Password: "pw-123456", Type: AccountSupplier})
	assert.ErrorIs(t, err, ErrInvalidInput)

	id, err := s.CreateIdentity(ctx, NewIdentityInput{Email: "dup@example.com", Name: "x", Password: "pw-123456", Type: AccountSupplier})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, id.Status)
	assert.True(t, id.Active)

	_, err = s.CreateIdentity(ctx, NewIdentityInput{Email: "dup@example.com", Name: "y", Password: "pw-123456", Type: AccountSupplier})
	assert.ErrorIs(t, err, ErrConflict)

	sup, err := s.CreateSupplier(ctx, "Medline", id.ID, []string{"cat-a", "cat-a", " ", "cat-b"})
	require.NoError(t, err)
	assert.Equal(t, []string{"cat-a", "cat-b"}, sup.Categories)

	// One organization per identity.
	_, err = s.CreateSupplier(ctx, "Second Co", id.ID, nil)
	assert.ErrorIs(t, err, ErrConflict)

	pending, err := s.ListPendingOrganizations(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "supplier", pending[0].Kind)
	assert.Equal(t, sup.ID, pending[0].ID)

	approve(t, s, sup.ID)
	pending, err = s.ListPendingOrganizations(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}
