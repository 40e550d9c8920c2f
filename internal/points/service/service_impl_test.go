package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/fortunepay/internal/clock"
	ledgerdomain "github.com/smallbiznis/fortunepay/internal/ledger/domain"
	ledgerrepo "github.com/smallbiznis/fortunepay/internal/ledger/repository"
	pointsdomain "github.com/smallbiznis/fortunepay/internal/points/domain"
	pointsservice "github.com/smallbiznis/fortunepay/internal/points/service"
	"github.com/smallbiznis/fortunepay/internal/testutil"
	"github.com/smallbiznis/fortunepay/pkg/db/pagination"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var testNow = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

func newService(t *testing.T) (pointsdomain.Service, *gorm.DB, *clock.FakeClock) {
	t.Helper()

	db := testutil.OpenDB(t)
	node, err := snowflake.NewNode(10)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	clk := clock.NewFakeClock(testNow)
	svc := pointsservice.NewService(pointsservice.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clk,
		Repo:  ledgerrepo.Provide(),
	})
	return svc, db, clk
}

func assertInvariant(t *testing.T, db *gorm.DB) {
	t.Helper()
	testutil.AssertCount(t, db,
		"SELECT COUNT(1) FROM point_balances WHERE balance < 0 OR balance <> lifetime_earned - lifetime_spent", 0)
}

func TestEarnThenSpendRoundTrip(t *testing.T) {
	ctx := context.Background()
	svc, db, _ := newService(t)

	earn, err := svc.Earn(ctx, pointsdomain.EarnRequest{AccountID: 1, Amount: 100, Source: "test", ReferenceID: "ref1"})
	require.NoError(t, err)
	assert.Equal(t, ledgerdomain.KindEarn, earn.Kind)
	assert.EqualValues(t, 100, earn.BalanceAfter)
	assert.Nil(t, earn.ExpiresAt)

	bal, err := svc.Balance(ctx, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 100, bal.Balance)
	assert.EqualValues(t, 100, bal.LifetimeEarned)
	assert.EqualValues(t, 0, bal.LifetimeSpent)

	spend, err := svc.Spend(ctx, pointsdomain.SpendRequest{AccountID: 1, Amount: 40, Source: "test", ReferenceID: "ref2"})
	require.NoError(t, err)
	assert.EqualValues(t, -40, spend.Amount)
	assert.EqualValues(t, 60, spend.BalanceAfter)

	bal, err = svc.Balance(ctx, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 60, bal.Balance)
	assert.EqualValues(t, 100, bal.LifetimeEarned)
	assert.EqualValues(t, 40, bal.LifetimeSpent)
	require.NotNil(t, bal.UpdatedAt)

	testutil.AssertCount(t, db, "SELECT COUNT(1) FROM point_transactions WHERE account_id = ?", 2, 1)
	assertInvariant(t, db)
}

func TestSpendAtZeroBalanceAppendsNothing(t *testing.T) {
	ctx := context.Background()
	svc, db, _ := newService(t)

	_, err := svc.Spend(ctx, pointsdomain.SpendRequest{AccountID: 7, Amount: 10, Source: "test"})
	if !errors.Is(err, pointsdomain.ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}

	bal, err := svc.Balance(ctx, 7)
	require.NoError(t, err)
	assert.EqualValues(t, 0, bal.Balance)
	assert.Nil(t, bal.UpdatedAt)

	testutil.AssertCount(t, db, "SELECT COUNT(1) FROM point_transactions", 0)
	testutil.AssertCount(t, db, "SELECT COUNT(1) FROM point_balances", 0)
}

func TestEarnRejectsInvalidInput(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newService(t)

	_, err := svc.Earn(ctx, pointsdomain.EarnRequest{AccountID: 1, Amount: 0, Source: "test"})
	assert.ErrorIs(t, err, pointsdomain.ErrInvalidAmount)

	_, err = svc.Earn(ctx, pointsdomain.EarnRequest{AccountID: 0, Amount: 5, Source: "test"})
	assert.ErrorIs(t, err, pointsdomain.ErrInvalidAccount)

	_, err = svc.Earn(ctx, pointsdomain.EarnRequest{AccountID: 1, Amount: 5, Source: "  "})
	assert.ErrorIs(t, err, pointsdomain.ErrInvalidSource)
}

func TestConcurrentSpendsNeverOverdraw(t *testing.T) {
	ctx := context.Background()
	svc, db, _ := newService(t)

	const (
		balance  = 100
		amount   = 30
		spenders = 8
	)
	_, err := svc.Earn(ctx, pointsdomain.EarnRequest{AccountID: 3, Amount: balance, Source: "test"})
	require.NoError(t, err)

	var (
		wg           sync.WaitGroup
		mu           sync.Mutex
		successes    int
		insufficient int
		other        []error
	)
	for i := 0; i < spenders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Spend(ctx, pointsdomain.SpendRequest{AccountID: 3, Amount: amount, Source: "test"})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, pointsdomain.ErrInsufficientBalance):
				insufficient++
			default:
				other = append(other, err)
			}
		}()
	}
	wg.Wait()

	require.Empty(t, other)
	assert.Equal(t, balance/amount, successes)
	assert.Equal(t, spenders-balance/amount, insufficient)

	bal, err := svc.Balance(ctx, 3)
	require.NoError(t, err)
	assert.EqualValues(t, balance-(balance/amount)*amount, bal.Balance)
	assertInvariant(t, db)
}

func TestBalanceAfterTracksEverySnapshot(t *testing.T) {
	ctx := context.Background()
	svc, _, clk := newService(t)

	steps := []struct {
		earn  bool
		value int64
	}{
		{true, 50}, {false, 20}, {true, 5}, {false, 35},
	}
	var running int64
	for _, step := range steps {
		clk.Advance(time.Second)
		if step.earn {
			running += step.value
			_, err := svc.Earn(ctx, pointsdomain.EarnRequest{AccountID: 9, Amount: step.value, Source: "test"})
			require.NoError(t, err)
			continue
		}
		running -= step.value
		_, err := svc.Spend(ctx, pointsdomain.SpendRequest{AccountID: 9, Amount: step.value, Source: "test"})
		require.NoError(t, err)
	}

	resp, err := svc.ListTransactions(ctx, pointsdomain.ListTransactionsRequest{
		AccountID:  9,
		Pagination: pagination.Pagination{Page: 1, PageSize: 10},
	})
	require.NoError(t, err)
	require.Len(t, resp.Transactions, len(steps))
	assert.EqualValues(t, len(steps), resp.PageInfo.Total)

	// newest first: replaying backwards from the latest snapshot reaches zero.
	assert.Equal(t, running, resp.Transactions[0].BalanceAfter)
	expected := resp.Transactions[0].BalanceAfter
	for _, txn := range resp.Transactions {
		assert.Equal(t, expected, txn.BalanceAfter)
		expected -= txn.Amount
	}
	assert.EqualValues(t, 0, expected)
}

func TestListTransactionsFiltersAndPaginates(t *testing.T) {
	ctx := context.Background()
	svc, _, clk := newService(t)

	for i := 0; i < 5; i++ {
		clk.Advance(time.Minute)
		_, err := svc.Earn(ctx, pointsdomain.EarnRequest{AccountID: 2, Amount: 10, Source: "test"})
		require.NoError(t, err)
	}
	_, err := svc.Spend(ctx, pointsdomain.SpendRequest{AccountID: 2, Amount: 5, Source: "test"})
	require.NoError(t, err)

	resp, err := svc.ListTransactions(ctx, pointsdomain.ListTransactionsRequest{
		AccountID:  2,
		Kind:       ledgerdomain.KindEarn,
		Pagination: pagination.Pagination{Page: 2, PageSize: 2},
	})
	require.NoError(t, err)
	assert.Len(t, resp.Transactions, 2)
	assert.EqualValues(t, 5, resp.PageInfo.Total)
	assert.Equal(t, 3, resp.PageInfo.Pages)
	for _, txn := range resp.Transactions {
		assert.Equal(t, ledgerdomain.KindEarn, txn.Kind)
	}

	_, err = svc.ListTransactions(ctx, pointsdomain.ListTransactionsRequest{AccountID: 2, Kind: "bogus"})
	assert.ErrorIs(t, err, ledgerdomain.ErrInvalidKind)
}

func TestExpiringSoonWindow(t *testing.T) {
	ctx := context.Background()
	svc, _, clk := newService(t)

	soon, err := svc.Earn(ctx, pointsdomain.EarnRequest{AccountID: 4, Amount: 10, Source: "test", ExpiresInDays: 3})
	require.NoError(t, err)
	_, err = svc.Earn(ctx, pointsdomain.EarnRequest{AccountID: 4, Amount: 10, Source: "test", ExpiresInDays: 90})
	require.NoError(t, err)
	_, err = svc.Earn(ctx, pointsdomain.EarnRequest{AccountID: 4, Amount: 10, Source: "test"})
	require.NoError(t, err)

	items, err := svc.ExpiringSoon(ctx, 4, 7)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, soon.ID, items[0].ID)

	clk.Advance(4 * 24 * time.Hour)
	items, err = svc.ExpiringSoon(ctx, 4, 7)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestRefundSignSemantics(t *testing.T) {
	ctx := context.Background()
	svc, db, _ := newService(t)

	_, err := svc.Earn(ctx, pointsdomain.EarnRequest{AccountID: 5, Amount: 30, Source: "test"})
	require.NoError(t, err)

	credit, err := svc.Refund(ctx, pointsdomain.RefundRequest{AccountID: 5, Amount: 20, Source: "order_refund", ReferenceID: "order_1"})
	require.NoError(t, err)
	assert.Equal(t, ledgerdomain.KindRefund, credit.Kind)
	assert.EqualValues(t, 50, credit.BalanceAfter)

	clawback, err := svc.Refund(ctx, pointsdomain.RefundRequest{AccountID: 5, Amount: -45, Source: "order_refund", ReferenceID: "order_2"})
	require.NoError(t, err)
	assert.EqualValues(t, -45, clawback.Amount)
	assert.EqualValues(t, 5, clawback.BalanceAfter)

	_, err = svc.Refund(ctx, pointsdomain.RefundRequest{AccountID: 5, Amount: -10, Source: "order_refund"})
	assert.ErrorIs(t, err, pointsdomain.ErrInsufficientBalance)

	bal, err := svc.Balance(ctx, 5)
	require.NoError(t, err)
	assert.EqualValues(t, 5, bal.Balance)
	assert.EqualValues(t, 50, bal.LifetimeEarned)
	assert.EqualValues(t, 45, bal.LifetimeSpent)
	assertInvariant(t, db)
}

func TestExpireLotOnce(t *testing.T) {
	ctx := context.Background()
	svc, db, clk := newService(t)

	lot, err := svc.Earn(ctx, pointsdomain.EarnRequest{AccountID: 6, Amount: 40, Source: "test", ExpiresInDays: 1})
	require.NoError(t, err)
	_, err = svc.Earn(ctx, pointsdomain.EarnRequest{AccountID: 6, Amount: 10, Source: "test"})
	require.NoError(t, err)

	_, err = svc.ExpireLot(ctx, 6, lot.ID)
	assert.ErrorIs(t, err, pointsdomain.ErrLotNotExpired)

	clk.Advance(48 * time.Hour)
	expired, err := svc.ExpireLot(ctx, 6, lot.ID)
	require.NoError(t, err)
	assert.Equal(t, ledgerdomain.KindExpire, expired.Kind)
	assert.EqualValues(t, -40, expired.Amount)
	assert.EqualValues(t, 10, expired.BalanceAfter)
	assert.Equal(t, "expire_"+lot.ID.String(), expired.ReferenceID)

	_, err = svc.ExpireLot(ctx, 6, lot.ID)
	assert.ErrorIs(t, err, pointsdomain.ErrLotAlreadyExpired)

	_, err = svc.ExpireLot(ctx, 99, lot.ID)
	assert.ErrorIs(t, err, pointsdomain.ErrLotNotFound)

	testutil.AssertCount(t, db, "SELECT COUNT(1) FROM point_transactions WHERE kind = 'expire'", 1)
	assertInvariant(t, db)
}

func TestExpireLotCapsAtBalance(t *testing.T) {
	ctx := context.Background()
	svc, db, clk := newService(t)

	lot, err := svc.Earn(ctx, pointsdomain.EarnRequest{AccountID: 8, Amount: 40, Source: "test", ExpiresInDays: 1})
	require.NoError(t, err)
	_, err = svc.Spend(ctx, pointsdomain.SpendRequest{AccountID: 8, Amount: 25, Source: "test"})
	require.NoError(t, err)

	clk.Advance(48 * time.Hour)
	expired, err := svc.ExpireLot(ctx, 8, lot.ID)
	require.NoError(t, err)
	assert.EqualValues(t, -15, expired.Amount)
	assert.EqualValues(t, 0, expired.BalanceAfter)
	assertInvariant(t, db)
}

func TestWithTxRollsBackWithCaller(t *testing.T) {
	ctx := context.Background()
	svc, db, _ := newService(t)

	sentinel := errors.New("abort")
	err := db.Transaction(func(tx *gorm.DB) error {
		if _, err := svc.WithTx(tx).Earn(ctx, pointsdomain.EarnRequest{AccountID: 11, Amount: 25, Source: "test"}); err != nil {
			return err
		}
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)

	testutil.AssertCount(t, db, "SELECT COUNT(1) FROM point_transactions", 0)
	testutil.AssertCount(t, db, "SELECT COUNT(1) FROM point_balances", 0)
}

func TestStatisticsSummarisesMonth(t *testing.T) {
	ctx := context.Background()
	svc, _, clk := newService(t)

	_, err := svc.Earn(ctx, pointsdomain.EarnRequest{AccountID: 12, Amount: 100, Source: "package_purchase"})
	require.NoError(t, err)
	_, err = svc.Earn(ctx, pointsdomain.EarnRequest{AccountID: 12, Amount: 20, Source: "referral"})
	require.NoError(t, err)
	_, err = svc.Earn(ctx, pointsdomain.EarnRequest{AccountID: 12, Amount: 30, Source: "referral"})
	require.NoError(t, err)
	clk.Advance(time.Hour)
	_, err = svc.Spend(ctx, pointsdomain.SpendRequest{AccountID: 12, Amount: 70, Source: "product_purchase"})
	require.NoError(t, err)

	stats, err := svc.Statistics(ctx, 12)
	require.NoError(t, err)
	assert.EqualValues(t, 150, stats.MonthEarned)
	assert.EqualValues(t, 70, stats.MonthSpent)
	assert.Equal(t, "50.00", stats.AverageEarn)
	require.Len(t, stats.TopEarnSources, 2)
	assert.Equal(t, ledgerdomain.SourcePackagePurchase, stats.TopEarnSources[0].Source)
	assert.EqualValues(t, 100, stats.TopEarnSources[0].Total)
	assert.EqualValues(t, 2, stats.TopEarnSources[1].Count)
}
