package payment

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

const testRecipient = "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"

type fakeNode struct {
	mu       sync.Mutex
	txs      map[string]map[string]string
	receipts map[string]map[string]string
	head     string
	sent     []map[string]string
}

func newFakeNode() *fakeNode {
	return &fakeNode{
		txs:      make(map[string]map[string]string),
		receipts: make(map[string]map[string]string),
		head:     "0x10",
	}
}

func (n *fakeNode) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID     uint64            `json:"id"`
		Method string            `json:"method"`
		Params []json.RawMessage `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	var result any
	switch req.Method {
	case "eth_getTransactionByHash":
		var hash string
		_ = json.Unmarshal(req.Params[0], &hash)
		if tx, ok := n.txs[hash]; ok {
			result = tx
		}
	case "eth_getTransactionReceipt":
		var hash string
		_ = json.Unmarshal(req.Params[0], &hash)
		if receipt, ok := n.receipts[hash]; ok {
			result = receipt
		}
	case "eth_blockNumber":
		result = n.head
	case "eth_sendTransaction":
		var send map[string]string
		_ = json.Unmarshal(req.Params[0], &send)
		n.sent = append(n.sent, send)
		result = "0x" + strings.Repeat("ab", 32)
	default:
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0", "id": req.ID,
			"error": map[string]any{"code": -32601, "message": "method not found"},
		})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": result})
}

func (n *fakeNode) addTransfer(hash, from, to, value, status, block string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.txs[hash] = map[string]string{"hash": hash, "from": from, "to": to, "value": value}
	n.receipts[hash] = map[string]string{"status": status, "blockNumber": block}
}

func txHash(b byte) string {
	return "0x" + strings.Repeat(string([]byte{b}), 64)
}

func newTestChain(t *testing.T, node *fakeNode, minConfirmations int64) *Chain {
	t.Helper()
	server := httptest.NewServer(node)
	t.Cleanup(server.Close)

	chain, err := NewChain(ChainConfig{
		RPCURL:           server.URL,
		ChainID:          8453,
		Recipient:        testRecipient,
		MinConfirmations: minConfirmations,
	})
	if err != nil {
		t.Fatalf("new chain: %v", err)
	}
	return chain
}

func chainProof(hash, reference string) json.RawMessage {
	raw, _ := json.Marshal(ChainProof{TxHash: hash, Reference: reference})
	return raw
}

func TestChainVerifyAcceptsConfirmedTransfer(t *testing.T) {
	ctx := context.Background()
	node := newFakeNode()
	chain := newTestChain(t, node, 3)

	quote, err := chain.Quote(ctx, 3000)
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if quote.Network != "eip155:8453" || quote.Recipient != testRecipient {
		t.Fatalf("unexpected quote instructions: %+v", quote)
	}

	hash := txHash('a')
	node.addTransfer(hash, "0x1111111111111111111111111111111111111111", strings.ToLower(testRecipient), "0xbb8", "0x1", "0xe")

	result, err := chain.Verify(ctx, chainProof(hash, quote.Reference))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !result.Valid || result.Amount != 3000 {
		t.Fatalf("expected valid 3000 payment, got %+v", result)
	}
	if result.Payer != "0x1111111111111111111111111111111111111111" {
		t.Fatalf("unexpected payer %s", result.Payer)
	}

	quote2, _ := chain.Quote(ctx, 3000)
	replay, err := chain.Verify(ctx, chainProof(hash, quote2.Reference))
	if err != nil {
		t.Fatalf("verify replay: %v", err)
	}
	if replay.Valid || replay.Reason != "transaction already used" {
		t.Fatalf("expected replay rejection, got %+v", replay)
	}
}

func TestChainVerifyRejections(t *testing.T) {
	ctx := context.Background()
	node := newFakeNode()
	chain := newTestChain(t, node, 5)
	payer := "0x2222222222222222222222222222222222222222"

	node.addTransfer(txHash('1'), payer, "0x3333333333333333333333333333333333333333", "0xbb8", "0x1", "0x1")
	node.addTransfer(txHash('2'), payer, testRecipient, "0xbb8", "0x0", "0x1")
	node.addTransfer(txHash('3'), payer, testRecipient, "0x10", "0x1", "0x1")
	node.addTransfer(txHash('4'), payer, testRecipient, "0xbb8", "0x1", "0xf")

	cases := []struct {
		name   string
		hash   string
		reason string
	}{
		{"wrong recipient", txHash('1'), "transaction recipient mismatch"},
		{"reverted", txHash('2'), "transaction reverted"},
		{"underpaid", txHash('3'), "insufficient amount"},
		{"shallow", txHash('4'), "insufficient confirmations"},
		{"unknown", txHash('5'), "transaction not found"},
		{"malformed", "0x1234", "malformed transaction hash"},
	}
	for _, tc := range cases {
		quote, err := chain.Quote(ctx, 3000)
		if err != nil {
			t.Fatalf("%s: quote: %v", tc.name, err)
		}
		result, err := chain.Verify(ctx, chainProof(tc.hash, quote.Reference))
		if err != nil {
			t.Fatalf("%s: verify: %v", tc.name, err)
		}
		if result.Valid || result.Reason != tc.reason {
			t.Fatalf("%s: expected %q, got %+v", tc.name, tc.reason, result)
		}
	}

	result, err := chain.Verify(ctx, chainProof(txHash('6'), "pay_missing"))
	if err != nil {
		t.Fatalf("verify unknown reference: %v", err)
	}
	if result.Valid || result.Reason != "unknown or expired payment reference" {
		t.Fatalf("expected unknown reference rejection, got %+v", result)
	}
}

func TestChainRefundSendsToPayer(t *testing.T) {
	ctx := context.Background()
	node := newFakeNode()
	chain := newTestChain(t, node, 0)
	payer := "0x4444444444444444444444444444444444444444"
	hash := txHash('c')
	node.addTransfer(hash, payer, testRecipient, "0xbb8", "0x1", "0x1")

	receipt, err := chain.Refund(ctx, chainProof(hash, ""), 2400)
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if receipt.Payer != payer || receipt.Amount != 2400 || receipt.TxID == "" {
		t.Fatalf("unexpected receipt: %+v", receipt)
	}

	node.mu.Lock()
	defer node.mu.Unlock()
	if len(node.sent) != 1 {
		t.Fatalf("expected one refund transaction, got %d", len(node.sent))
	}
	sent := node.sent[0]
	if sent["to"] != payer || sent["value"] != "0x960" || sent["from"] != testRecipient {
		t.Fatalf("unexpected refund transaction: %v", sent)
	}
}

func TestNewChainRejectsBadConfiguration(t *testing.T) {
	base := ChainConfig{RPCURL: "http://localhost:8545", ChainID: 1, Recipient: testRecipient}

	cases := map[string]func(c *ChainConfig){
		"rpc url":   func(c *ChainConfig) { c.RPCURL = "localhost:8545" },
		"chain id":  func(c *ChainConfig) { c.ChainID = 0 },
		"recipient": func(c *ChainConfig) { c.Recipient = "0x5aaeb6053F3E94C9b9A09f33669435E7Ef1BeAed" },
		"short":     func(c *ChainConfig) { c.Recipient = "0x1234" },
	}
	for name, mutate := range cases {
		cfg := base
		mutate(&cfg)
		if _, err := NewChain(cfg); !errors.Is(err, ErrConfiguration) {
			t.Fatalf("%s: expected ErrConfiguration, got %v", name, err)
		}
	}

	if _, err := NewChain(base); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}

func TestChecksumAddress(t *testing.T) {
	vectors := []string{
		"0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed",
		"0xfB6916095ca1df60bB79Ce92cE3Ea74c37c5d359",
		"0xdbF03B407c01E7cD3CBea99509d93f8DDDC8C6FB",
		"0xD1220A0cf47c7B9Be7A2E6BA89F429762e7b9aDb",
	}
	for _, want := range vectors {
		if got := ChecksumAddress(strings.ToLower(want)); got != want {
			t.Fatalf("checksum mismatch: got %s want %s", got, want)
		}
		if err := ValidateAddress(want); err != nil {
			t.Fatalf("valid address rejected: %v", err)
		}
	}
	if err := ValidateAddress(strings.ToLower(vectors[0])); err != nil {
		t.Fatalf("lowercase address must be accepted: %v", err)
	}
}
