// fixture-gen writes synthetic escrow feed fixtures for the replay
// source, so the full pipeline can be exercised without an upstream
// endpoint. Each fixture file is one feed message; forward fixtures
// carry raw contract logs the decoder understands.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	sigUserDeposit      = crypto.Keccak256Hash([]byte("UserDeposit(address,uint256)"))
	sigUserWithdraw     = crypto.Keccak256Hash([]byte("UserWithdraw(address,uint256)"))
	sigProviderWithdraw = crypto.Keccak256Hash([]byte("ProviderWithdraw(address,uint256)"))
	sigBatchPayment     = crypto.Keccak256Hash([]byte("BatchPayment(address,address,uint256,uint256)"))
)

type fixture struct {
	Type           string          `json:"type"`
	BlockNumber    uint64          `json:"block_number,omitempty"`
	Timestamp      int64           `json:"timestamp,omitempty"`
	Cursor         string          `json:"cursor,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	LastValidBlock uint64          `json:"last_valid_block,omitempty"`
}

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

func main() {
	out := flag.String("out", "fixtures", "Output directory")
	contract := flag.String("contract", "0x1111111111111111111111111111111111111111", "Escrow contract address to stamp on logs")
	blocks := flag.Int("blocks", 20, "Number of forward blocks to generate")
	startBlock := flag.Uint64("start-block", 1000, "First block number")
	eventsPerBlock := flag.Int("events-per-block", 3, "Maximum events per block")
	rollbackEvery := flag.Int("rollback-every", 0, "Insert a rollback after every N blocks (0 disables)")
	seed := flag.Int64("seed", 42, "Random seed")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	if !common.IsHexAddress(*contract) {
		logger.Error("invalid contract address", "contract", *contract)
		os.Exit(1)
	}

	if err := generate(*out, common.HexToAddress(*contract), *blocks, *startBlock, *eventsPerBlock, *rollbackEvery, *seed); err != nil {
		logger.Error("fixture generation failed", "error", err)
		os.Exit(1)
	}

	logger.Info("fixtures written", "dir", *out, "blocks", *blocks)
}

func generate(dir string, contract common.Address, blocks int, startBlock uint64, eventsPerBlock, rollbackEvery int, seed int64) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	rng := rand.New(rand.NewSource(seed))
	now := time.Now().Unix()
	seq := 0

	write := func(f *fixture) error {
		seq++
		name := fmt.Sprintf("%06d.json", seq)
		data, err := json.MarshalIndent(f, "", "  ")
		if err != nil {
			return err
		}
		return os.WriteFile(filepath.Join(dir, name), data, 0o644)
	}

	for i := 0; i < blocks; i++ {
		block := startBlock + uint64(i)
		payload := blockPayload{
			BlockNumber: block,
			Timestamp:   now + int64(i)*12,
		}

		n := 1 + rng.Intn(eventsPerBlock)
		for j := 0; j < n; j++ {
			payload.Logs = append(payload.Logs, randomLog(rng, contract, block, uint32(j)))
		}

		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		if err := write(&fixture{
			Type:        "forward",
			BlockNumber: block,
			Timestamp:   payload.Timestamp,
			Cursor:      fmt.Sprintf("cursor-%d", block),
			Payload:     raw,
		}); err != nil {
			return err
		}

		if rollbackEvery > 0 && (i+1)%rollbackEvery == 0 && block > startBlock {
			if err := write(&fixture{
				Type:           "rollback",
				LastValidBlock: block - 1,
				Cursor:         fmt.Sprintf("cursor-%d", block-1),
			}); err != nil {
				return err
			}
		}
	}

	return nil
}

func randomLog(rng *rand.Rand, contract common.Address, block uint64, idx uint32) logEntry {
	user := randomAddress(rng)
	provider := randomAddress(rng)
	amount := big.NewInt(int64(100 + rng.Intn(2_000_000)))

	entry := logEntry{
		Address:  contract.Hex(),
		TxHash:   randomHash(rng),
		LogIndex: idx,
	}

	switch rng.Intn(4) {
	case 0:
		entry.Topics = []string{sigUserDeposit.Hex(), addrTopic(user)}
		entry.Data = packWords(amount)
	case 1:
		entry.Topics = []string{sigUserWithdraw.Hex(), addrTopic(user)}
		entry.Data = packWords(amount)
	case 2:
		entry.Topics = []string{sigProviderWithdraw.Hex(), addrTopic(provider)}
		entry.Data = packWords(amount)
	default:
		calls := big.NewInt(int64(1 + rng.Intn(50)))
		entry.Topics = []string{sigBatchPayment.Hex(), addrTopic(user), addrTopic(provider)}
		entry.Data = packWords(amount, calls)
	}

	return entry
}

func randomAddress(rng *rand.Rand) common.Address {
	var a common.Address
	rng.Read(a[:])
	return a
}

func randomHash(rng *rand.Rand) string {
	var h common.Hash
	rng.Read(h[:])
	return h.Hex()
}

func addrTopic(a common.Address) string {
	return common.BytesToHash(a.Bytes()).Hex()
}

func packWords(values ...*big.Int) string {
	data := make([]byte, 0, len(values)*32)
	for _, v := range values {
		data = append(data, common.BytesToHash(v.Bytes()).Bytes()...)
	}
	return hexutil.Encode(data)
}
