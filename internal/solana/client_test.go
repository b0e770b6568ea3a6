package solana

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/orbitlabs/orbit-indexer/internal/metrics"
)

func rpcServer(t *testing.T, handler func(method string, params []interface{}) (interface{}, *rpcError)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("bad request body: %v", err)
		}
		result, rpcErr := handler(req.Method, req.Params)
		resp := map[string]interface{}{"jsonrpc": "2.0", "id": req.ID}
		if rpcErr != nil {
			resp["error"] = rpcErr
		} else {
			resp["result"] = result
		}
		json.NewEncoder(w).Encode(resp)
	}))
}

func TestGetSignaturesForAddress(t *testing.T) {
	srv := rpcServer(t, func(method string, params []interface{}) (interface{}, *rpcError) {
		if method != "getSignaturesForAddress" {
			t.Fatalf("unexpected method %s", method)
		}
		cfg := params[1].(map[string]interface{})
		if cfg["limit"].(float64) != 10 {
			t.Errorf("limit = %v, want 10", cfg["limit"])
		}
		if cfg["before"] != "cursor" {
			t.Errorf("before = %v, want cursor", cfg["before"])
		}
		return []map[string]interface{}{
			{"signature": "sigB", "slot": 101},
			{"signature": "sigA", "slot": 100, "blockTime": 1700000000},
		}, nil
	})
	defer srv.Close()

	c := NewClient(srv.URL, metrics.New(), zap.NewNop())
	sigs, err := c.GetSignaturesForAddress(context.Background(), "addr", SignaturesOpts{Limit: 10, Before: "cursor"})
	if err != nil {
		t.Fatalf("GetSignaturesForAddress: %v", err)
	}
	if len(sigs) != 2 || sigs[0].Signature != "sigB" {
		t.Fatalf("got %+v", sigs)
	}
	if sigs[1].BlockTime == nil || *sigs[1].BlockTime != 1700000000 {
		t.Errorf("blockTime not decoded: %+v", sigs[1])
	}
}

func TestGetTransactionNotFound(t *testing.T) {
	srv := rpcServer(t, func(method string, params []interface{}) (interface{}, *rpcError) {
		return nil, nil // result: null
	})
	defer srv.Close()

	c := NewClient(srv.URL, metrics.New(), zap.NewNop())
	_, err := c.GetTransaction(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestGetTransactionRPCError(t *testing.T) {
	srv := rpcServer(t, func(method string, params []interface{}) (interface{}, *rpcError) {
		return nil, &rpcError{Code: -32005, Message: "node is behind"}
	})
	defer srv.Close()

	c := NewClient(srv.URL, metrics.New(), zap.NewNop())
	_, err := c.GetTransaction(context.Background(), "sig")
	if err == nil || errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want transient rpc error", err)
	}
}

func TestAccountKeysIncludesLoadedAddresses(t *testing.T) {
	var tx Transaction
	tx.Transaction.Message.AccountKeys = []string{"payer", "static1"}
	tx.Meta = &TxMeta{
		LoadedAddresses: &LoadedAddresses{
			Writable: []string{"w1"},
			Readonly: []string{"r1", "r2"},
		},
	}
	keys := tx.AccountKeys()
	want := []string{"payer", "static1", "w1", "r1", "r2"}
	if len(keys) != len(want) {
		t.Fatalf("keys = %v", keys)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("keys[%d] = %s, want %s", i, keys[i], want[i])
		}
	}
	if tx.FeePayer() != "payer" {
		t.Errorf("FeePayer() = %s", tx.FeePayer())
	}
}

func TestGetMultipleAccountsPositional(t *testing.T) {
	srv := rpcServer(t, func(method string, params []interface{}) (interface{}, *rpcError) {
		return map[string]interface{}{
			"value": []interface{}{
				map[string]interface{}{"owner": "TokenProg", "lamports": 1, "data": []string{"AQID", "base64"}},
				nil,
			},
		}, nil
	})
	defer srv.Close()

	c := NewClient(srv.URL, metrics.New(), zap.NewNop())
	infos, err := c.GetMultipleAccounts(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 2 {
		t.Fatalf("len = %d", len(infos))
	}
	if infos[0] == nil || string(infos[0].Data) != "\x01\x02\x03" {
		t.Errorf("infos[0] = %+v", infos[0])
	}
	if infos[1] != nil {
		t.Errorf("missing account should stay nil, got %+v", infos[1])
	}
}
