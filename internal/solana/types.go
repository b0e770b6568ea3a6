package solana

import (
	"encoding/json"
)

// SignatureInfo is one entry of a getSignaturesForAddress page,
// newest-first as delivered by the RPC.
type SignatureInfo struct {
	Signature string          `json:"signature"`
	Slot      uint64          `json:"slot"`
	BlockTime *int64          `json:"blockTime"`
	Err       json.RawMessage `json:"err"`
}

// Failed reports whether the transaction behind this signature errored.
func (s SignatureInfo) Failed() bool {
	return len(s.Err) > 0 && string(s.Err) != "null"
}

// UITokenAmount carries a token amount; the integer atoms come only from
// the decimal Amount string, never from the float field.
type UITokenAmount struct {
	Amount   string `json:"amount"`
	Decimals int    `json:"decimals"`
}

// TokenBalance is a pre/post token-balance entry from transaction meta.
type TokenBalance struct {
	AccountIndex  int           `json:"accountIndex"`
	Mint          string        `json:"mint"`
	Owner         string        `json:"owner,omitempty"`
	UITokenAmount UITokenAmount `json:"uiTokenAmount"`
}

// Instruction is a compiled instruction; Data is base58 in "json" encoding
// responses but base64 has been observed from some providers, so consumers
// must try both.
type Instruction struct {
	ProgramIDIndex int    `json:"programIdIndex"`
	Accounts       []int  `json:"accounts"`
	Data           string `json:"data"`
}

// LoadedAddresses are the address-lookup-table keys a v0 transaction loaded.
type LoadedAddresses struct {
	Writable []string `json:"writable"`
	Readonly []string `json:"readonly"`
}

// Message is the transaction message with its static account keys.
type Message struct {
	AccountKeys  []string      `json:"accountKeys"`
	Instructions []Instruction `json:"instructions"`
}

// TxMeta is the confirmed-transaction metadata.
type TxMeta struct {
	Err               json.RawMessage  `json:"err"`
	LogMessages       []string         `json:"logMessages"`
	PreTokenBalances  []TokenBalance   `json:"preTokenBalances"`
	PostTokenBalances []TokenBalance   `json:"postTokenBalances"`
	LoadedAddresses   *LoadedAddresses `json:"loadedAddresses"`
	InnerInstructions []struct {
		Index        int           `json:"index"`
		Instructions []Instruction `json:"instructions"`
	} `json:"innerInstructions"`
}

// Transaction is a confirmed transaction as returned by getTransaction.
type Transaction struct {
	Slot        uint64 `json:"slot"`
	BlockTime   *int64 `json:"blockTime"`
	Transaction struct {
		Signatures []string `json:"signatures"`
		Message    Message  `json:"message"`
	} `json:"transaction"`
	Meta *TxMeta `json:"meta"`
}

// AccountKeys returns the full ordered key list: static message keys
// followed by lookup-table loaded writable then readonly keys. Vault and
// pool lookups must use this list, not the static keys alone.
func (t *Transaction) AccountKeys() []string {
	keys := t.Transaction.Message.AccountKeys
	if t.Meta == nil || t.Meta.LoadedAddresses == nil {
		return keys
	}
	out := make([]string, 0, len(keys)+len(t.Meta.LoadedAddresses.Writable)+len(t.Meta.LoadedAddresses.Readonly))
	out = append(out, keys...)
	out = append(out, t.Meta.LoadedAddresses.Writable...)
	out = append(out, t.Meta.LoadedAddresses.Readonly...)
	return out
}

// FeePayer returns the transaction's fee payer (account index 0), or ""
// for a malformed message.
func (t *Transaction) FeePayer() string {
	if len(t.Transaction.Message.AccountKeys) == 0 {
		return ""
	}
	return t.Transaction.Message.AccountKeys[0]
}

// Failed reports whether the transaction itself errored on chain.
func (t *Transaction) Failed() bool {
	return t.Meta != nil && len(t.Meta.Err) > 0 && string(t.Meta.Err) != "null"
}

// Logs returns the transaction's log messages, nil-safe.
func (t *Transaction) Logs() []string {
	if t.Meta == nil {
		return nil
	}
	return t.Meta.LogMessages
}

// AllInstructions returns top-level instructions followed by inner
// instructions, flattened.
func (t *Transaction) AllInstructions() []Instruction {
	out := append([]Instruction(nil), t.Transaction.Message.Instructions...)
	if t.Meta != nil {
		for _, inner := range t.Meta.InnerInstructions {
			out = append(out, inner.Instructions...)
		}
	}
	return out
}

// AccountInfo is the value part of a getAccountInfo response with the
// data blob already base64-decoded.
type AccountInfo struct {
	Owner    string
	Lamports uint64
	Data     []byte
}

// LogNotification is one logsSubscribe notification.
type LogNotification struct {
	Signature string
	Slot      uint64
	Logs      []string
	Err       json.RawMessage
}

// Failed reports whether the notified transaction errored.
func (n LogNotification) Failed() bool {
	return len(n.Err) > 0 && string(n.Err) != "null"
}
