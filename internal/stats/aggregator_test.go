package stats

import (
	"fmt"
	"math/big"
	"sync"
	"testing"

	"github.com/paygrid-labs/escrowstream/pkg/escrow"
)

func depositEvent(block uint64, user string, amount int64) *escrow.Event {
	return &escrow.Event{
		Kind:        escrow.KindDeposit,
		User:        user,
		Amount:      big.NewInt(amount),
		BlockNumber: block,
	}
}

func batchPaymentEvent(block uint64, user, provider string, amount int64, calls uint64) *escrow.Event {
	return &escrow.Event{
		Kind:        escrow.KindBatchPayment,
		User:        user,
		Provider:    provider,
		Amount:      big.NewInt(amount),
		Calls:       calls,
		BlockNumber: block,
	}
}

func TestApplyAccumulates(t *testing.T) {
	agg := NewAggregator(0, nil)

	agg.Apply(depositEvent(10, "0xaa", 5000))
	agg.Apply(batchPaymentEvent(11, "0xaa", "0xbb", 1200, 10))

	s := agg.Snapshot()

	if s.TotalDeposits != 1 {
		t.Errorf("TotalDeposits = %d, want 1", s.TotalDeposits)
	}
	if s.TotalDepositAmount != "5000" {
		t.Errorf("TotalDepositAmount = %q, want %q", s.TotalDepositAmount, "5000")
	}
	if s.TotalBatchPayments != 1 {
		t.Errorf("TotalBatchPayments = %d, want 1", s.TotalBatchPayments)
	}
	if s.TotalPaymentVolume != "1200" {
		t.Errorf("TotalPaymentVolume = %q, want %q", s.TotalPaymentVolume, "1200")
	}
	if s.TotalAPICalls != 10 {
		t.Errorf("TotalAPICalls = %d, want 10", s.TotalAPICalls)
	}
	if s.UniqueUsers != 1 {
		t.Errorf("UniqueUsers = %d, want 1", s.UniqueUsers)
	}
	if s.UniqueProviders != 1 {
		t.Errorf("UniqueProviders = %d, want 1", s.UniqueProviders)
	}
	if s.HighestBlock != 11 {
		t.Errorf("HighestBlock = %d, want 11", s.HighestBlock)
	}
}

func TestApplyAllKinds(t *testing.T) {
	agg := NewAggregator(0, nil)

	agg.Apply(&escrow.Event{Kind: escrow.KindWithdraw, User: "0xaa", Amount: big.NewInt(300), BlockNumber: 1})
	agg.Apply(&escrow.Event{Kind: escrow.KindProviderWithdraw, Provider: "0xbb", Amount: big.NewInt(400), BlockNumber: 1})
	agg.Apply(&escrow.Event{Kind: escrow.KindVerifierUpdated, BlockNumber: 1})
	agg.Apply(&escrow.Event{Kind: escrow.KindPaused, BlockNumber: 1})
	agg.Apply(&escrow.Event{Kind: escrow.KindUnpaused, BlockNumber: 1})

	s := agg.Snapshot()

	if s.TotalWithdrawals != 1 || s.TotalWithdrawAmount != "300" {
		t.Errorf("withdrawals = %d/%s, want 1/300", s.TotalWithdrawals, s.TotalWithdrawAmount)
	}
	if s.TotalProviderWithdraws != 1 || s.TotalProviderWithdrawAmount != "400" {
		t.Errorf("provider withdraws = %d/%s, want 1/400", s.TotalProviderWithdraws, s.TotalProviderWithdrawAmount)
	}
	if s.TotalVerifierUpdates != 1 {
		t.Errorf("TotalVerifierUpdates = %d, want 1", s.TotalVerifierUpdates)
	}
	if s.TotalPauses != 1 {
		t.Errorf("TotalPauses = %d, want 1", s.TotalPauses)
	}
	if s.TotalUnpauses != 1 {
		t.Errorf("TotalUnpauses = %d, want 1", s.TotalUnpauses)
	}
}

func TestApplyNilAmount(t *testing.T) {
	agg := NewAggregator(0, nil)

	agg.Apply(&escrow.Event{Kind: escrow.KindDeposit, User: "0xaa", BlockNumber: 1})

	s := agg.Snapshot()
	if s.TotalDeposits != 1 {
		t.Errorf("TotalDeposits = %d, want 1", s.TotalDeposits)
	}
	if s.TotalDepositAmount != "0" {
		t.Errorf("TotalDepositAmount = %q, want %q", s.TotalDepositAmount, "0")
	}
}

func TestUniqueAddressesDeduplicated(t *testing.T) {
	agg := NewAggregator(0, nil)

	agg.Apply(depositEvent(1, "0xaa", 100))
	agg.Apply(depositEvent(2, "0xaa", 200))
	agg.Apply(batchPaymentEvent(3, "0xaa", "0xbb", 50, 1))
	agg.Apply(batchPaymentEvent(3, "0xcc", "0xbb", 60, 1))

	s := agg.Snapshot()
	if s.UniqueUsers != 2 {
		t.Errorf("UniqueUsers = %d, want 2", s.UniqueUsers)
	}
	if s.UniqueProviders != 1 {
		t.Errorf("UniqueProviders = %d, want 1", s.UniqueProviders)
	}
}

func TestAvgPaymentSize(t *testing.T) {
	agg := NewAggregator(0, nil)

	if got := agg.Snapshot().AvgPaymentSize; got != "0" {
		t.Errorf("AvgPaymentSize with no payments = %q, want %q", got, "0")
	}

	agg.Apply(batchPaymentEvent(1, "0xaa", "0xbb", 1000, 1))
	agg.Apply(batchPaymentEvent(2, "0xaa", "0xbb", 2001, 1))

	if got := agg.Snapshot().AvgPaymentSize; got != "1500" {
		t.Errorf("AvgPaymentSize = %q, want %q", got, "1500")
	}
}

func TestRollback(t *testing.T) {
	agg := NewAggregator(0, nil)

	agg.Apply(depositEvent(10, "0xaa", 5000))
	agg.Apply(depositEvent(11, "0xbb", 3000))
	agg.Apply(batchPaymentEvent(12, "0xcc", "0xdd", 700, 4))

	rolled := agg.Rollback(10)
	if rolled != 2 {
		t.Errorf("Rollback returned %d, want 2", rolled)
	}

	s := agg.Snapshot()
	if s.TotalDeposits != 1 {
		t.Errorf("TotalDeposits = %d, want 1", s.TotalDeposits)
	}
	if s.TotalDepositAmount != "5000" {
		t.Errorf("TotalDepositAmount = %q, want %q", s.TotalDepositAmount, "5000")
	}
	if s.TotalBatchPayments != 0 {
		t.Errorf("TotalBatchPayments = %d, want 0", s.TotalBatchPayments)
	}
	if s.TotalPaymentVolume != "0" {
		t.Errorf("TotalPaymentVolume = %q, want %q", s.TotalPaymentVolume, "0")
	}
	if s.TotalAPICalls != 0 {
		t.Errorf("TotalAPICalls = %d, want 0", s.TotalAPICalls)
	}
	if s.UniqueUsers != 1 {
		t.Errorf("UniqueUsers = %d, want 1", s.UniqueUsers)
	}
	if s.UniqueProviders != 0 {
		t.Errorf("UniqueProviders = %d, want 0", s.UniqueProviders)
	}
	if s.HighestBlock != 10 {
		t.Errorf("HighestBlock = %d, want 10", s.HighestBlock)
	}
}

func TestRollbackKeepsSharedAddresses(t *testing.T) {
	agg := NewAggregator(0, nil)

	// Same user in a surviving and a rolled-back block.
	agg.Apply(depositEvent(10, "0xaa", 100))
	agg.Apply(depositEvent(20, "0xaa", 200))

	agg.Rollback(15)

	if got := agg.Snapshot().UniqueUsers; got != 1 {
		t.Errorf("UniqueUsers = %d, want 1", got)
	}
}

func TestRollbackNoop(t *testing.T) {
	agg := NewAggregator(0, nil)
	agg.Apply(depositEvent(10, "0xaa", 100))

	if rolled := agg.Rollback(10); rolled != 0 {
		t.Errorf("Rollback returned %d, want 0", rolled)
	}
	if got := agg.Snapshot().TotalDeposits; got != 1 {
		t.Errorf("TotalDeposits = %d, want 1", got)
	}
}

func TestDeltaWindowBound(t *testing.T) {
	agg := NewAggregator(4, nil)

	for b := uint64(1); b <= 10; b++ {
		agg.Apply(depositEvent(b, fmt.Sprintf("0x%02d", b), 10))
	}

	// Only the last 4 blocks have deltas; a rollback past the
	// window subtracts what it can.
	agg.Rollback(0)

	s := agg.Snapshot()
	if s.TotalDeposits != 6 {
		t.Errorf("TotalDeposits = %d, want 6 (approximate beyond window)", s.TotalDeposits)
	}
	if s.HighestBlock != 0 {
		t.Errorf("HighestBlock = %d, want 0", s.HighestBlock)
	}
}

func TestSnapshotIsolation(t *testing.T) {
	agg := NewAggregator(0, nil)
	agg.Apply(depositEvent(1, "0xaa", 100))

	before := agg.Snapshot()
	agg.Apply(depositEvent(2, "0xbb", 900))

	if before.TotalDeposits != 1 {
		t.Errorf("earlier snapshot mutated: TotalDeposits = %d", before.TotalDeposits)
	}
	if before.TotalDepositAmount != "100" {
		t.Errorf("earlier snapshot mutated: TotalDepositAmount = %q", before.TotalDepositAmount)
	}
}

func TestConcurrentSnapshots(t *testing.T) {
	agg := NewAggregator(0, nil)

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for b := uint64(1); b <= 500; b++ {
			agg.Apply(depositEvent(b, "0xaa", 1))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			s := agg.Snapshot()
			if s.TotalDeposits > 500 {
				t.Errorf("impossible deposit count %d", s.TotalDeposits)
				return
			}
		}
	}()

	wg.Wait()
}
