// Package stats owns the mutable aggregate state of the pipeline: the
// running-totals aggregator and the bounded recent-event log. Writes
// come from the single ingestion goroutine; snapshots may be read
// concurrently from any transport goroutine.
package stats

import (
	"log/slog"
	"math/big"
	"sync"

	"github.com/paygrid-labs/escrowstream/pkg/escrow"
)

// DefaultDeltaWindow is how many recent per-block deltas the aggregator
// retains for rollback compensation.
const DefaultDeltaWindow = 256

// Aggregator is the sole owner of AggregateStats. Apply calls are
// serialized by the ingestion loop; Snapshot may be called from any
// goroutine.
type Aggregator struct {
	mu sync.RWMutex

	counts map[escrow.EventKind]uint64

	depositAmount          *big.Int
	withdrawAmount         *big.Int
	providerWithdrawAmount *big.Int
	paymentVolume          *big.Int
	apiCalls               uint64

	// Address sets are refcounted so rollback can remove an address
	// that only appeared in rolled-back blocks.
	users     map[string]int
	providers map[string]int

	highestBlock uint64

	deltas      []*blockDelta
	deltaWindow int

	logger *slog.Logger
}

// blockDelta records everything Apply added for one block, in enough
// detail to subtract it again on rollback.
type blockDelta struct {
	block                  uint64
	counts                 map[escrow.EventKind]uint64
	depositAmount          *big.Int
	withdrawAmount         *big.Int
	providerWithdrawAmount *big.Int
	paymentVolume          *big.Int
	apiCalls               uint64
	users                  []string
	providers              []string
}

func newBlockDelta(block uint64) *blockDelta {
	return &blockDelta{
		block:                  block,
		counts:                 make(map[escrow.EventKind]uint64),
		depositAmount:          new(big.Int),
		withdrawAmount:         new(big.Int),
		providerWithdrawAmount: new(big.Int),
		paymentVolume:          new(big.Int),
	}
}

// NewAggregator returns an empty aggregator retaining deltaWindow
// per-block deltas (DefaultDeltaWindow when <= 0).
func NewAggregator(deltaWindow int, logger *slog.Logger) *Aggregator {
	if deltaWindow <= 0 {
		deltaWindow = DefaultDeltaWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		counts:                 make(map[escrow.EventKind]uint64),
		depositAmount:          new(big.Int),
		withdrawAmount:         new(big.Int),
		providerWithdrawAmount: new(big.Int),
		paymentVolume:          new(big.Int),
		users:                  make(map[string]int),
		providers:              make(map[string]int),
		deltaWindow:            deltaWindow,
		logger:                 logger.With("component", "aggregator"),
	}
}

// Apply folds one event into the running totals. It never fails:
// missing amounts count as zero, unknown kinds only bump their counter.
func (a *Aggregator) Apply(ev *escrow.Event) {
	if ev == nil {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	delta := a.deltaFor(ev.BlockNumber)

	a.counts[ev.Kind]++
	delta.counts[ev.Kind]++

	amount := ev.Amount
	if amount == nil {
		amount = new(big.Int)
	}

	switch ev.Kind {
	case escrow.KindDeposit:
		a.depositAmount.Add(a.depositAmount, amount)
		delta.depositAmount.Add(delta.depositAmount, amount)
	case escrow.KindWithdraw:
		a.withdrawAmount.Add(a.withdrawAmount, amount)
		delta.withdrawAmount.Add(delta.withdrawAmount, amount)
	case escrow.KindProviderWithdraw:
		a.providerWithdrawAmount.Add(a.providerWithdrawAmount, amount)
		delta.providerWithdrawAmount.Add(delta.providerWithdrawAmount, amount)
	case escrow.KindBatchPayment:
		a.paymentVolume.Add(a.paymentVolume, amount)
		delta.paymentVolume.Add(delta.paymentVolume, amount)
		a.apiCalls += ev.Calls
		delta.apiCalls += ev.Calls
	}

	if ev.User != "" {
		a.users[ev.User]++
		delta.users = append(delta.users, ev.User)
	}
	if ev.Provider != "" {
		a.providers[ev.Provider]++
		delta.providers = append(delta.providers, ev.Provider)
	}

	if ev.BlockNumber > a.highestBlock {
		a.highestBlock = ev.BlockNumber
	}
}

// deltaFor returns the delta entry for a block, creating one when the
// block is new. Events arrive in block order within a session, so the
// last entry is almost always the right one.
func (a *Aggregator) deltaFor(block uint64) *blockDelta {
	if n := len(a.deltas); n > 0 && a.deltas[n-1].block == block {
		return a.deltas[n-1]
	}
	d := newBlockDelta(block)
	a.deltas = append(a.deltas, d)
	if len(a.deltas) > a.deltaWindow {
		a.deltas = a.deltas[len(a.deltas)-a.deltaWindow:]
	}
	return d
}

// Rollback compensates for a chain reorganization: every delta with a
// block number greater than lastValid is subtracted from the totals.
// When the reorg reaches past the retained delta window the remaining
// totals are kept as-is and the gap is logged; counters become
// approximate (at-least-once) for that session.
func (a *Aggregator) Rollback(lastValid uint64) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	rolled := 0
	for len(a.deltas) > 0 {
		last := a.deltas[len(a.deltas)-1]
		if last.block <= lastValid {
			break
		}
		a.subtract(last)
		a.deltas = a.deltas[:len(a.deltas)-1]
		rolled++
	}

	if len(a.deltas) == 0 && a.highestBlock > lastValid && rolled > 0 {
		a.logger.Warn("rollback exhausted delta window, totals are approximate",
			"last_valid", lastValid,
			"rolled_back", rolled,
		)
	}

	if a.highestBlock > lastValid {
		a.highestBlock = lastValid
	}

	if rolled > 0 {
		a.logger.Info("rolled back blocks",
			"last_valid", lastValid,
			"blocks", rolled,
		)
	}
	return rolled
}

func (a *Aggregator) subtract(d *blockDelta) {
	for kind, n := range d.counts {
		if a.counts[kind] >= n {
			a.counts[kind] -= n
		} else {
			a.counts[kind] = 0
		}
	}

	a.depositAmount.Sub(a.depositAmount, d.depositAmount)
	a.withdrawAmount.Sub(a.withdrawAmount, d.withdrawAmount)
	a.providerWithdrawAmount.Sub(a.providerWithdrawAmount, d.providerWithdrawAmount)
	a.paymentVolume.Sub(a.paymentVolume, d.paymentVolume)
	if a.apiCalls >= d.apiCalls {
		a.apiCalls -= d.apiCalls
	} else {
		a.apiCalls = 0
	}

	for _, addr := range d.users {
		if a.users[addr] <= 1 {
			delete(a.users, addr)
		} else {
			a.users[addr]--
		}
	}
	for _, addr := range d.providers {
		if a.providers[addr] <= 1 {
			delete(a.providers, addr)
		} else {
			a.providers[addr]--
		}
	}
}

// Snapshot returns an immutable copy of the current totals. Concurrent
// readers never observe a partially-updated counter set.
func (a *Aggregator) Snapshot() escrow.Stats {
	a.mu.RLock()
	defer a.mu.RUnlock()

	avg := "0"
	if n := a.counts[escrow.KindBatchPayment]; n > 0 {
		avg = new(big.Int).Div(a.paymentVolume, new(big.Int).SetUint64(n)).String()
	}

	return escrow.Stats{
		TotalDeposits:          a.counts[escrow.KindDeposit],
		TotalWithdrawals:       a.counts[escrow.KindWithdraw],
		TotalProviderWithdraws: a.counts[escrow.KindProviderWithdraw],
		TotalBatchPayments:     a.counts[escrow.KindBatchPayment],
		TotalVerifierUpdates:   a.counts[escrow.KindVerifierUpdated],
		TotalPauses:            a.counts[escrow.KindPaused],
		TotalUnpauses:          a.counts[escrow.KindUnpaused],

		TotalDepositAmount:          a.depositAmount.String(),
		TotalWithdrawAmount:         a.withdrawAmount.String(),
		TotalProviderWithdrawAmount: a.providerWithdrawAmount.String(),
		TotalPaymentVolume:          a.paymentVolume.String(),
		AvgPaymentSize:              avg,

		TotalAPICalls: a.apiCalls,

		UniqueUsers:     len(a.users),
		UniqueProviders: len(a.providers),

		HighestBlock: a.highestBlock,
	}
}

// HighestBlock returns the highest block number applied so far.
func (a *Aggregator) HighestBlock() uint64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.highestBlock
}
