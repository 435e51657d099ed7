// Package decoder turns opaque block-scoped feed payloads into
// normalized escrow events. Decode failures are contained per log
// entry: malformed or unrecognized entries are logged and skipped, the
// pipeline never stops for them.
package decoder

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/paygrid-labs/escrowstream/internal/feed"
	"github.com/paygrid-labs/escrowstream/pkg/escrow"
)

// Event signature hashes (keccak-256 of the canonical signature).
var (
	sigUserDeposit       = crypto.Keccak256Hash([]byte("UserDeposit(address,uint256)"))
	sigUserWithdraw      = crypto.Keccak256Hash([]byte("UserWithdraw(address,uint256)"))
	sigProviderWithdraw  = crypto.Keccak256Hash([]byte("ProviderWithdraw(address,uint256)"))
	sigBatchPayment      = crypto.Keccak256Hash([]byte("BatchPayment(address,address,uint256,uint256)"))
	sigZkVerifierUpdated = crypto.Keccak256Hash([]byte("ZkVerifierUpdated(address,address)"))
	sigPaused            = crypto.Keccak256Hash([]byte("Paused(address)"))
	sigUnpaused          = crypto.Keccak256Hash([]byte("Unpaused(address)"))
)

// Decoder maps a forward payload into zero or more domain events.
// Implementations must never fail the pipeline for a bad payload.
type Decoder interface {
	Decode(fd *feed.ForwardData) []*escrow.Event
}

// Config holds decoder settings.
type Config struct {
	// Contract is the escrow contract address to keep logs from;
	// comparison is case-insensitive.
	Contract string

	// AnomalyThreshold flags payments at or above this many minor
	// units as "large_payment". Nil or zero disables detection.
	AnomalyThreshold *big.Int
}

// LogDecoder is the production Decoder: it parses JSON block payloads
// of raw contract logs and matches topic signatures.
type LogDecoder struct {
	contract  common.Address
	threshold *big.Int
	logger    *slog.Logger
}

// NewLogDecoder validates the contract filter and builds a decoder.
func NewLogDecoder(cfg Config, logger *slog.Logger) (*LogDecoder, error) {
	if !common.IsHexAddress(cfg.Contract) {
		return nil, feed.NewConfigError("contract", fmt.Sprintf("%q is not a hex address", cfg.Contract))
	}
	if logger == nil {
		logger = slog.Default()
	}

	var threshold *big.Int
	if cfg.AnomalyThreshold != nil && cfg.AnomalyThreshold.Sign() > 0 {
		threshold = new(big.Int).Set(cfg.AnomalyThreshold)
	}

	return &LogDecoder{
		contract:  common.HexToAddress(cfg.Contract),
		threshold: threshold,
		logger:    logger.With("component", "decoder"),
	}, nil
}

// blockPayload is the JSON shape of a forward payload.
type blockPayload struct {
	BlockNumber uint64     `json:"block_number"`
	Timestamp   int64      `json:"timestamp"`
	Logs        []logEntry `json:"logs"`
}

type logEntry struct {
	Address  string   `json:"address"`
	Topics   []string `json:"topics"`
	Data     string   `json:"data"`
	TxHash   string   `json:"tx_hash"`
	LogIndex uint32   `json:"log_index"`
}

// Decode implements Decoder.
func (d *LogDecoder) Decode(fd *feed.ForwardData) []*escrow.Event {
	if fd == nil || len(fd.Payload) == 0 {
		return nil
	}

	var block blockPayload
	if err := json.Unmarshal(fd.Payload, &block); err != nil {
		d.logger.Warn("undecodable payload, skipping block",
			"block", fd.BlockNumber,
			"content_type", fd.ContentType,
			"error", err,
		)
		return nil
	}

	blockNumber := block.BlockNumber
	if blockNumber == 0 {
		blockNumber = fd.BlockNumber
	}
	timestamp := fd.Timestamp
	if block.Timestamp > 0 {
		timestamp = time.Unix(block.Timestamp, 0).UTC()
	}

	var events []*escrow.Event
	for i := range block.Logs {
		entry := &block.Logs[i]

		if !common.IsHexAddress(entry.Address) || common.HexToAddress(entry.Address) != d.contract {
			continue
		}

		ev, err := d.decodeLog(entry, blockNumber, timestamp)
		if err != nil {
			d.logger.Warn("skipping undecodable log",
				"block", blockNumber,
				"tx_hash", entry.TxHash,
				"log_index", entry.LogIndex,
				"error", err,
			)
			continue
		}
		if ev == nil {
			// Unknown event shape; not ours to decode.
			continue
		}

		d.flagAnomaly(ev)
		events = append(events, ev)
	}

	return events
}

func (d *LogDecoder) decodeLog(entry *logEntry, blockNumber uint64, timestamp time.Time) (*escrow.Event, error) {
	if len(entry.Topics) == 0 {
		return nil, nil
	}

	topics := make([]common.Hash, 0, len(entry.Topics))
	for _, t := range entry.Topics {
		b, err := hexutil.Decode(t)
		if err != nil || len(b) != common.HashLength {
			return nil, fmt.Errorf("bad topic %q", t)
		}
		topics = append(topics, common.BytesToHash(b))
	}

	data, err := hexutil.Decode(emptyToZeroHex(entry.Data))
	if err != nil {
		return nil, fmt.Errorf("bad data: %w", err)
	}

	ev := &escrow.Event{
		Contract:    strings.ToLower(d.contract.Hex()),
		Amount:      new(big.Int),
		TxHash:      strings.ToLower(entry.TxHash),
		BlockNumber: blockNumber,
		LogIndex:    entry.LogIndex,
		Timestamp:   timestamp,
	}

	switch topics[0] {
	case sigUserDeposit:
		if len(topics) < 2 {
			return nil, fmt.Errorf("deposit log needs 2 topics, got %d", len(topics))
		}
		ev.Kind = escrow.KindDeposit
		ev.User = topicAddress(topics[1])
		ev.Amount = dataWord(data, 0)

	case sigUserWithdraw:
		if len(topics) < 2 {
			return nil, fmt.Errorf("withdraw log needs 2 topics, got %d", len(topics))
		}
		ev.Kind = escrow.KindWithdraw
		ev.User = topicAddress(topics[1])
		ev.Amount = dataWord(data, 0)

	case sigProviderWithdraw:
		if len(topics) < 2 {
			return nil, fmt.Errorf("provider withdraw log needs 2 topics, got %d", len(topics))
		}
		ev.Kind = escrow.KindProviderWithdraw
		ev.Provider = topicAddress(topics[1])
		ev.Amount = dataWord(data, 0)

	case sigBatchPayment:
		if len(topics) < 3 {
			return nil, fmt.Errorf("batch payment log needs 3 topics, got %d", len(topics))
		}
		ev.Kind = escrow.KindBatchPayment
		ev.User = topicAddress(topics[1])
		ev.Provider = topicAddress(topics[2])
		ev.Amount = dataWord(data, 0)
		ev.Calls = dataWord(data, 1).Uint64()

	case sigZkVerifierUpdated:
		if len(topics) < 3 {
			return nil, fmt.Errorf("verifier update log needs 3 topics, got %d", len(topics))
		}
		ev.Kind = escrow.KindVerifierUpdated
		ev.OldVerifier = topicAddress(topics[1])
		ev.NewVerifier = topicAddress(topics[2])

	case sigPaused:
		ev.Kind = escrow.KindPaused

	case sigUnpaused:
		ev.Kind = escrow.KindUnpaused

	default:
		return nil, nil
	}

	return ev, nil
}

func (d *LogDecoder) flagAnomaly(ev *escrow.Event) {
	if d.threshold == nil || ev.Kind != escrow.KindBatchPayment {
		return
	}
	if ev.Amount != nil && ev.Amount.Cmp(d.threshold) >= 0 {
		ev.Anomaly = "large_payment"
	}
}

// topicAddress extracts the address packed into the last 20 bytes of a
// 32-byte topic, lower-cased for set membership downstream.
func topicAddress(topic common.Hash) string {
	return strings.ToLower(common.BytesToAddress(topic.Bytes()[12:]).Hex())
}

// dataWord returns the i-th 32-byte word of log data as an unsigned
// integer. Truncated data yields zero, never an error.
func dataWord(data []byte, i int) *big.Int {
	start := i * 32
	end := start + 32
	if len(data) < end {
		return new(big.Int)
	}
	return new(big.Int).SetBytes(data[start:end])
}

func emptyToZeroHex(s string) string {
	if s == "" {
		return "0x"
	}
	return s
}
