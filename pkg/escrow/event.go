// Package escrow defines the wire types shared between the ingestion
// pipeline and its transports: normalized escrow-contract events and the
// aggregate statistics snapshot.
package escrow

import (
	"encoding/json"
	"fmt"
	"math/big"
	"time"
)

// EventKind identifies the contract event a DomainEvent was decoded from.
type EventKind string

const (
	KindDeposit          EventKind = "deposit"
	KindWithdraw         EventKind = "withdraw"
	KindProviderWithdraw EventKind = "provider_withdraw"
	KindBatchPayment     EventKind = "batch_payment"
	KindVerifierUpdated  EventKind = "verifier_updated"
	KindPaused           EventKind = "paused"
	KindUnpaused         EventKind = "unpaused"
)

// Kinds lists every event kind the decoder can produce.
func Kinds() []EventKind {
	return []EventKind{
		KindDeposit,
		KindWithdraw,
		KindProviderWithdraw,
		KindBatchPayment,
		KindVerifierUpdated,
		KindPaused,
		KindUnpaused,
	}
}

// Event is a normalized escrow-contract event. Amounts are integer
// minor units; address fields are lower-cased hex. Events are immutable
// once created, identified by (TxHash, LogIndex).
type Event struct {
	Kind        EventKind
	Contract    string
	User        string
	Provider    string
	OldVerifier string
	NewVerifier string
	Amount      *big.Int
	Calls       uint64
	TxHash      string
	BlockNumber uint64
	LogIndex    uint32
	Timestamp   time.Time

	// Anomaly is set by the decoder when the event trips a detection
	// rule (currently only "large_payment").
	Anomaly string
}

// ID returns the event identity key.
func (e *Event) ID() string {
	return fmt.Sprintf("%s:%d", e.TxHash, e.LogIndex)
}

// AmountString renders the amount as a decimal string, "0" when unset.
func (e *Event) AmountString() string {
	if e.Amount == nil {
		return "0"
	}
	return e.Amount.String()
}

type eventJSON struct {
	Kind        EventKind `json:"kind"`
	Contract    string    `json:"contract"`
	User        string    `json:"user,omitempty"`
	Provider    string    `json:"provider,omitempty"`
	OldVerifier string    `json:"oldVerifier,omitempty"`
	NewVerifier string    `json:"newVerifier,omitempty"`
	Amount      string    `json:"amount"`
	Calls       uint64    `json:"calls,omitempty"`
	TxHash      string    `json:"transactionHash"`
	BlockNumber uint64    `json:"blockNumber"`
	LogIndex    uint32    `json:"logIndex"`
	Timestamp   time.Time `json:"timestamp"`
	Anomaly     string    `json:"anomaly,omitempty"`
}

// MarshalJSON renders the amount as a decimal string so clients never
// see a float.
func (e *Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(eventJSON{
		Kind:        e.Kind,
		Contract:    e.Contract,
		User:        e.User,
		Provider:    e.Provider,
		OldVerifier: e.OldVerifier,
		NewVerifier: e.NewVerifier,
		Amount:      e.AmountString(),
		Calls:       e.Calls,
		TxHash:      e.TxHash,
		BlockNumber: e.BlockNumber,
		LogIndex:    e.LogIndex,
		Timestamp:   e.Timestamp,
		Anomaly:     e.Anomaly,
	})
}

// UnmarshalJSON parses the decimal-string amount back into a big.Int.
func (e *Event) UnmarshalJSON(data []byte) error {
	var w eventJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	amount := new(big.Int)
	if w.Amount != "" {
		if _, ok := amount.SetString(w.Amount, 10); !ok {
			return fmt.Errorf("invalid amount %q", w.Amount)
		}
	}
	*e = Event{
		Kind:        w.Kind,
		Contract:    w.Contract,
		User:        w.User,
		Provider:    w.Provider,
		OldVerifier: w.OldVerifier,
		NewVerifier: w.NewVerifier,
		Amount:      amount,
		Calls:       w.Calls,
		TxHash:      w.TxHash,
		BlockNumber: w.BlockNumber,
		LogIndex:    w.LogIndex,
		Timestamp:   w.Timestamp,
		Anomaly:     w.Anomaly,
	}
	return nil
}
