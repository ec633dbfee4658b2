package wallet

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

const testKey = "4f3edf983ac636a65a842ce7c78d9aa706d3b113bce9c46f30d7d21715b23b1d"

func TestConnectWithoutProvider(t *testing.T) {
	_, err := KeyedConnector{}.Connect(context.Background())
	if !errors.Is(err, ErrWalletUnavailable) {
		t.Fatalf("expected ErrWalletUnavailable, got %v", err)
	}
}

func TestConnectRejectedByPrompt(t *testing.T) {
	prompted := false
	c := KeyedConnector{
		RPCURL:        "http://localhost:8545",
		PrivateKeyHex: testKey,
		Prompt: func(_ context.Context, address common.Address) error {
			prompted = true
			if address == (common.Address{}) {
				t.Fatal("prompt received zero address")
			}
			return errors.New("declined")
		},
	}

	_, err := c.Connect(context.Background())
	if !errors.Is(err, ErrUserRejected) {
		t.Fatalf("expected ErrUserRejected, got %v", err)
	}
	if !prompted {
		t.Fatal("prompt was not consulted")
	}
}

func TestConnectBadKey(t *testing.T) {
	c := KeyedConnector{RPCURL: "http://localhost:8545", PrivateKeyHex: "nothex"}
	if _, err := c.Connect(context.Background()); err == nil {
		t.Fatal("expected error for malformed key")
	}
}
