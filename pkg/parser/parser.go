// Package parser turns raw Solana getTransaction RPC payloads into
// structured, scoring-agnostic transaction records. It supports native
// SOL transfers via the System Program and falls back to a
// balance-delta heuristic for everything else.
package parser

import (
	"encoding/binary"
	"fmt"

	"github.com/mr-tron/base58"
)

// SystemProgramID is the Solana System Program address, responsible
// for native SOL transfers.
const SystemProgramID = "11111111111111111111111111111111"

// systemTransferDiscriminator is the instruction-data tag for a
// System Program Transfer instruction.
const systemTransferDiscriminator = 2

// TransactionFrequency is aggregated per-address activity over a
// parsed batch; left nil when parsing a single transaction.
type TransactionFrequency struct {
	TxCount        int
	AsSenderCount  int
	AsReceiverCount int
}

// ParsedTransaction is the stable, scoring-agnostic schema produced by
// Parse/ParseBatch.
type ParsedTransaction struct {
	Sender          string
	Receiver        string
	AmountLamports  int64
	AmountSOL       float64
	Timestamp       *int64
	Signature       string
	Slot            *int64
	Frequency       *TransactionFrequency
}

// RawMessage mirrors the subset of a getTransaction "message" object
// this package needs.
type RawMessage struct {
	AccountKeys  []interface{} `json:"accountKeys"`
	Instructions []RawInstruction `json:"instructions"`
	Header       RawHeader     `json:"header"`
}

type RawHeader struct {
	NumRequiredSignatures int `json:"numRequiredSignatures"`
}

type RawInstruction struct {
	ProgramIDIndex int    `json:"programIdIndex"`
	Accounts       []int  `json:"accounts"`
	Data           string `json:"data"`
}

type RawLoadedAddresses struct {
	Writable []string `json:"writable"`
	Readonly []string `json:"readonly"`
}

type RawInnerInstructionBlock struct {
	Index        int              `json:"index"`
	Instructions []RawInstruction `json:"instructions"`
}

type RawMeta struct {
	PreBalances      []int64                    `json:"preBalances"`
	PostBalances     []int64                    `json:"postBalances"`
	LoadedAddresses  *RawLoadedAddresses        `json:"loadedAddresses"`
	InnerInstructions []RawInnerInstructionBlock `json:"innerInstructions"`
}

type RawTransactionEnvelope struct {
	Message    RawMessage `json:"message"`
	Signatures []string   `json:"signatures"`
}

// RawTransaction is the shape of a single getTransaction RPC result.
type RawTransaction struct {
	Transaction RawTransactionEnvelope `json:"transaction"`
	Meta        *RawMeta               `json:"meta"`
	BlockTime   *int64                 `json:"blockTime"`
	Slot        *int64                 `json:"slot"`
}

func accountKeys(msg RawMessage, meta *RawMeta) []string {
	var out []string
	for _, k := range msg.AccountKeys {
		switch v := k.(type) {
		case string:
			out = append(out, v)
		case map[string]interface{}:
			if pk, ok := v["pubkey"].(string); ok {
				out = append(out, pk)
			}
		}
	}
	if meta != nil && meta.LoadedAddresses != nil {
		out = append(out, meta.LoadedAddresses.Writable...)
		out = append(out, meta.LoadedAddresses.Readonly...)
	}
	return out
}

func programID(keys []string, ix RawInstruction) (string, bool) {
	if ix.ProgramIDIndex < 0 || ix.ProgramIDIndex >= len(keys) {
		return "", false
	}
	return keys[ix.ProgramIDIndex], true
}

// decodeSystemTransferData extracts the lamport amount from a System
// Program transfer instruction's base58-encoded data field.
func decodeSystemTransferData(dataB58 string) (int64, bool) {
	if dataB58 == "" {
		return 0, false
	}
	raw, err := base58.Decode(dataB58)
	if err != nil || len(raw) < 9 {
		return 0, false
	}
	if raw[0] != systemTransferDiscriminator {
		return 0, false
	}
	return int64(binary.LittleEndian.Uint64(raw[1:9])), true
}

// extractNativeTransfer scans instructions for the first System
// Program transfer and returns (sender, receiver, lamports).
func extractNativeTransfer(keys []string, instructions []RawInstruction) (sender, receiver string, amount int64, ok bool) {
	for _, ix := range instructions {
		pid, found := programID(keys, ix)
		if !found || pid != SystemProgramID {
			continue
		}
		if len(ix.Accounts) < 2 {
			continue
		}
		fromIdx, toIdx := ix.Accounts[0], ix.Accounts[1]
		if fromIdx < 0 || fromIdx >= len(keys) || toIdx < 0 || toIdx >= len(keys) {
			continue
		}
		lamports, decoded := decodeSystemTransferData(ix.Data)
		if !decoded {
			continue
		}
		return keys[fromIdx], keys[toIdx], lamports, true
	}
	return "", "", 0, false
}

// extractFromBalanceDelta infers sender/receiver/amount when no native
// transfer instruction is found. Sender is the fee payer (first
// signer); receiver is the account with the largest positive balance
// delta, excluding the sender.
func extractFromBalanceDelta(keys []string, pre, post []int64, numRequiredSignatures int) (sender, receiver string, amount int64) {
	if len(keys) == 0 || len(pre) != len(keys) || len(post) != len(keys) {
		return "", "", 0
	}
	if numRequiredSignatures > 0 {
		sender = keys[0]
	}
	var bestIdx = -1
	var bestDelta int64
	for i := range keys {
		if sender != "" && keys[i] == sender {
			continue
		}
		delta := post[i] - pre[i]
		if delta > 0 && delta > bestDelta {
			bestDelta = delta
			bestIdx = i
		}
	}
	if bestIdx == -1 || bestDelta == 0 {
		return sender, "", 0
	}
	return sender, keys[bestIdx], bestDelta
}

// Parse converts a single raw getTransaction-style payload into a
// ParsedTransaction. Returns an error if the payload has no usable
// message.
func Parse(raw RawTransaction) (*ParsedTransaction, error) {
	msg := raw.Transaction.Message
	keys := accountKeys(msg, raw.Meta)
	if len(keys) == 0 {
		return nil, fmt.Errorf("parser: no account keys in transaction")
	}

	instructions := append([]RawInstruction{}, msg.Instructions...)
	if raw.Meta != nil {
		for _, block := range raw.Meta.InnerInstructions {
			instructions = append(instructions, block.Instructions...)
		}
	}

	sender, receiver, amount, ok := extractNativeTransfer(keys, instructions)
	if !ok {
		var pre, post []int64
		numSig := 1
		if raw.Meta != nil {
			pre, post = raw.Meta.PreBalances, raw.Meta.PostBalances
		}
		numSig = msg.Header.NumRequiredSignatures
		if numSig == 0 {
			numSig = 1
		}
		sender, receiver, amount = extractFromBalanceDelta(keys, pre, post, numSig)
		if sender == "" {
			sender = keys[0]
		}
		if receiver == "" {
			if len(keys) > 1 {
				receiver = keys[1]
			} else {
				receiver = sender
			}
		}
	}

	var signature string
	if len(raw.Transaction.Signatures) > 0 {
		signature = raw.Transaction.Signatures[0]
	}

	return &ParsedTransaction{
		Sender:         sender,
		Receiver:       receiver,
		AmountLamports: amount,
		AmountSOL:      float64(amount) / 1_000_000_000.0,
		Timestamp:      raw.BlockTime,
		Signature:      signature,
		Slot:           raw.Slot,
	}, nil
}

// ParseBatch parses a list of raw transactions, skipping unparseable
// entries, and optionally attaches per-address transaction frequency
// computed over the batch.
func ParseBatch(raws []RawTransaction, includeFrequency bool) []ParsedTransaction {
	var parsed []ParsedTransaction
	for _, raw := range raws {
		p, err := Parse(raw)
		if err != nil {
			continue
		}
		parsed = append(parsed, *p)
	}
	if !includeFrequency || len(parsed) == 0 {
		return parsed
	}

	freq := computeFrequency(parsed)
	for i := range parsed {
		if f, ok := freq[parsed[i].Sender]; ok {
			parsed[i].Frequency = &f
		} else if f, ok := freq[parsed[i].Receiver]; ok {
			parsed[i].Frequency = &f
		}
	}
	return parsed
}

func computeFrequency(parsed []ParsedTransaction) map[string]TransactionFrequency {
	counts := make(map[string]*TransactionFrequency)
	ensure := func(addr string) *TransactionFrequency {
		if f, ok := counts[addr]; ok {
			return f
		}
		f := &TransactionFrequency{}
		counts[addr] = f
		return f
	}
	for _, p := range parsed {
		s := ensure(p.Sender)
		s.TxCount++
		s.AsSenderCount++
		r := ensure(p.Receiver)
		r.TxCount++
		r.AsReceiverCount++
	}
	out := make(map[string]TransactionFrequency, len(counts))
	for addr, f := range counts {
		out[addr] = *f
	}
	return out
}
