package chain

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"roundflow/pkg/types"
)

// Throwaway key from the go-ethereum documentation; never funded.
const testKeyHex = "4c0883a69102937d6231471b5dbb6204fe512961708279feb1be6ae5538da033"

func newTestTransactor(t *testing.T, fb *fakeBackend) *Transactor {
	t.Helper()
	tr, err := NewTransactor(context.Background(), newTestClient(t, fb), testKeyHex)
	if err != nil {
		t.Fatalf("NewTransactor: %v", err)
	}
	return tr
}

func TestNewTransactorDerivesAddress(t *testing.T) {
	t.Parallel()

	fb := &fakeBackend{chainID: big.NewInt(56)}
	tr, err := NewTransactor(context.Background(), newTestClient(t, fb), "0x"+testKeyHex)
	if err != nil {
		t.Fatalf("NewTransactor: %v", err)
	}

	key, err := crypto.HexToECDSA(testKeyHex)
	if err != nil {
		t.Fatalf("parse test key: %v", err)
	}
	if want := crypto.PubkeyToAddress(key.PublicKey); tr.Address() != want {
		t.Errorf("expected wallet %s, got %s", want.Hex(), tr.Address().Hex())
	}
}

func TestNewTransactorRejectsBadKey(t *testing.T) {
	t.Parallel()

	badKey := "deadbeef-not-a-key"
	_, err := NewTransactor(context.Background(), newTestClient(t, &fakeBackend{}), badKey)
	if err == nil {
		t.Fatal("expected an error for malformed key")
	}
	if err.Error() != "parse private key: invalid key material" {
		t.Errorf("unexpected error text: %v", err)
	}
	if strings.Contains(err.Error(), "deadbeef") {
		t.Error("key material leaked into the error")
	}
}

func TestNewTransactorChainIDError(t *testing.T) {
	t.Parallel()

	fb := &fakeBackend{chainIDErr: errors.New("rpc down")}
	_, err := NewTransactor(context.Background(), newTestClient(t, fb), testKeyHex)
	if err == nil || !strings.Contains(err.Error(), "read chain id") {
		t.Fatalf("expected chain id error, got %v", err)
	}
}

func TestSendBetSignsAndSubmits(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		dir    types.Direction
		method string
	}{
		{name: "bull", dir: types.UP, method: "betBull"},
		{name: "bear", dir: types.DOWN, method: "betBear"},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			fb := &fakeBackend{}
			tr := newTestTransactor(t, fb)

			hash, err := tr.SendBet(context.Background(), tc.dir, 42, dec("0.1"), 7, big.NewInt(5_000_000_000))
			if err != nil {
				t.Fatalf("SendBet: %v", err)
			}
			if len(fb.sent) != 1 {
				t.Fatalf("expected 1 submitted transaction, got %d", len(fb.sent))
			}
			tx := fb.sent[0]
			if hash != tx.Hash() {
				t.Error("returned hash does not match the submitted transaction")
			}
			if tx.Nonce() != 7 {
				t.Errorf("expected pinned nonce 7, got %d", tx.Nonce())
			}
			if tx.Gas() != betGasLimit {
				t.Errorf("expected gas limit %d, got %d", betGasLimit, tx.Gas())
			}
			if tx.GasPrice().Cmp(big.NewInt(5_000_000_000)) != 0 {
				t.Errorf("expected gas price 5 gwei, got %s", tx.GasPrice())
			}
			if tx.To() == nil || *tx.To() != common.HexToAddress(testContract) {
				t.Errorf("expected bet addressed to contract, got %v", tx.To())
			}
			if tx.Value().Cmp(fixed(t, "0.1", 18)) != 0 {
				t.Errorf("expected value 1e17 wei, got %s", tx.Value())
			}
			wantInput, err := contractABI.Pack(tc.method, big.NewInt(42))
			if err != nil {
				t.Fatalf("pack %s: %v", tc.method, err)
			}
			if !bytes.Equal(tx.Data(), wantInput) {
				t.Errorf("calldata does not match %s(42)", tc.method)
			}
			sender, err := gethtypes.Sender(tr.signer, tx)
			if err != nil {
				t.Fatalf("recover sender: %v", err)
			}
			if sender != tr.Address() {
				t.Errorf("expected signature from %s, got %s", tr.Address().Hex(), sender.Hex())
			}
		})
	}
}

func TestSendBetError(t *testing.T) {
	t.Parallel()

	fb := &fakeBackend{sendErr: errors.New("connection reset")}
	tr := newTestTransactor(t, fb)

	hash, err := tr.SendBet(context.Background(), types.UP, 42, dec("0.1"), 7, big.NewInt(5_000_000_000))
	if err == nil || !strings.Contains(err.Error(), "send betBull(42)") {
		t.Fatalf("expected send error, got %v", err)
	}
	if hash == (common.Hash{}) {
		t.Error("expected the signed hash even when the send fails")
	}
}

func TestPendingNonce(t *testing.T) {
	t.Parallel()

	tr := newTestTransactor(t, &fakeBackend{nonce: 9})
	nonce, err := tr.PendingNonce(context.Background())
	if err != nil {
		t.Fatalf("PendingNonce: %v", err)
	}
	if nonce != 9 {
		t.Errorf("expected nonce 9, got %d", nonce)
	}

	tr = newTestTransactor(t, &fakeBackend{nonceErr: errors.New("rpc down")})
	if _, err := tr.PendingNonce(context.Background()); err == nil || !strings.Contains(err.Error(), "pending nonce") {
		t.Fatalf("expected pending nonce error, got %v", err)
	}
}

func TestGasPrice(t *testing.T) {
	t.Parallel()

	tr := newTestTransactor(t, &fakeBackend{gasPrice: big.NewInt(3_000_000_000)})
	price, err := tr.GasPrice(context.Background())
	if err != nil {
		t.Fatalf("GasPrice: %v", err)
	}
	if price.Cmp(big.NewInt(3_000_000_000)) != 0 {
		t.Errorf("expected 3 gwei, got %s", price)
	}

	tr = newTestTransactor(t, &fakeBackend{gasErr: errors.New("rpc down")})
	if _, err := tr.GasPrice(context.Background()); err == nil || !strings.Contains(err.Error(), "suggest gas price") {
		t.Fatalf("expected gas price error, got %v", err)
	}
}

func TestWaitMinedReturnsReceipt(t *testing.T) {
	t.Parallel()

	want := &gethtypes.Receipt{Status: gethtypes.ReceiptStatusSuccessful, BlockNumber: big.NewInt(123)}
	tr := newTestTransactor(t, &fakeBackend{receipt: want})

	got, err := tr.WaitMined(context.Background(), common.HexToHash(testTxHash))
	if err != nil {
		t.Fatalf("WaitMined: %v", err)
	}
	if got != want {
		t.Errorf("expected the backend receipt, got %+v", got)
	}
}

func TestWaitMinedFatalError(t *testing.T) {
	t.Parallel()

	tr := newTestTransactor(t, &fakeBackend{receiptErr: errors.New("rpc down")})
	_, err := tr.WaitMined(context.Background(), common.HexToHash(testTxHash))
	if err == nil || !strings.Contains(err.Error(), "receipt") {
		t.Fatalf("expected receipt error, got %v", err)
	}
}

func TestWaitMinedHonorsCancel(t *testing.T) {
	t.Parallel()

	tr := newTestTransactor(t, &fakeBackend{receiptErr: ethereum.NotFound})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := tr.WaitMined(ctx, common.HexToHash(testTxHash))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
