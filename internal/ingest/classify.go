package ingest

import (
	"encoding/base64"
	"strings"

	"github.com/mr-tron/base58"

	"github.com/orbitlabs/orbit-indexer/internal/anchor"
	"github.com/orbitlabs/orbit-indexer/internal/solana"
)

var swapDiscriminator = anchor.InstructionDiscriminator("swap")

// swapLogMarkers are the log fragments that identify a swap without
// decoding instruction data. Matched case-insensitively.
var swapLogMarkers = []string{
	"swapexecuted",
	"instruction: swap",
}

// looksLikeSwap reports whether the transaction plausibly executed a swap
// against the given program. Either signal suffices: a marker in the logs,
// or an instruction addressed to the program whose data begins with the
// swap discriminator. Derivation downstream is the real arbiter; this only
// prunes obvious non-swaps.
func looksLikeSwap(tx *solana.Transaction, programID string) bool {
	for _, line := range tx.Logs() {
		lower := strings.ToLower(line)
		for _, marker := range swapLogMarkers {
			if strings.Contains(lower, marker) {
				return true
			}
		}
	}

	keys := tx.AccountKeys()
	for _, ins := range tx.AllInstructions() {
		if ins.ProgramIDIndex < 0 || ins.ProgramIDIndex >= len(keys) {
			continue
		}
		if keys[ins.ProgramIDIndex] != programID {
			continue
		}
		data, ok := decodeInstructionData(ins.Data)
		if !ok || len(data) < 8 {
			continue
		}
		match := true
		for i := 0; i < 8; i++ {
			if data[i] != swapDiscriminator[i] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

// decodeInstructionData tries base58 first (the documented "json" encoding)
// and falls back to base64, which some providers emit.
func decodeInstructionData(s string) ([]byte, bool) {
	if s == "" {
		return nil, false
	}
	if b, err := base58.Decode(s); err == nil {
		return b, true
	}
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, true
	}
	return nil, false
}
