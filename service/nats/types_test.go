package nats

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/brojonat/txlens/service/etherscan"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromTransaction(t *testing.T) {
	tests := []struct {
		name       string
		kind       etherscan.Kind
		txn        etherscan.Transaction
		wantSymbol string
		wantAmount string
		wantTime   time.Time
	}{
		{
			name: "native transfer",
			kind: etherscan.KindNormal,
			txn: etherscan.Transaction{
				BlockNumber: 17000000,
				TimeStamp:   "1700000000",
				Hash:        "0xabc",
				From:        "0x1",
				To:          "0x2",
				Value:       "1500000000000000000",
			},
			wantSymbol: "ETH",
			wantAmount: "1.5",
			wantTime:   time.Unix(1700000000, 0).UTC(),
		},
		{
			name: "token transfer",
			kind: etherscan.KindERC20,
			txn: etherscan.Transaction{
				BlockNumber:     1,
				TimeStamp:       "1600000000",
				Hash:            "0xdef",
				ContractAddress: "0xtoken",
				Value:           "2500000",
				TokenSymbol:     "USDC",
				TokenDecimal:    "6",
			},
			wantSymbol: "USDC",
			wantAmount: "2.5",
			wantTime:   time.Unix(1600000000, 0).UTC(),
		},
		{
			name: "garbage amount and time",
			kind: etherscan.KindInternal,
			txn: etherscan.Transaction{
				Hash:      "0x0",
				TimeStamp: "later",
				Value:     "lots",
			},
			wantSymbol: "ETH",
			wantAmount: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event := FromTransaction("0xme", tt.kind, tt.txn)
			assert.Equal(t, "0xme", event.Address)
			assert.Equal(t, string(tt.kind), event.Kind)
			assert.Equal(t, tt.txn.Hash, event.Hash)
			assert.Equal(t, tt.txn.BlockNumber, event.BlockNumber)
			assert.Equal(t, tt.wantSymbol, event.TokenSymbol)
			assert.Equal(t, tt.wantAmount, event.Amount)
			assert.True(t, tt.wantTime.Equal(event.BlockTime), "block time %v", event.BlockTime)
			assert.False(t, event.PublishedAt.IsZero())
			assert.Equal(t, "txns.0xme."+string(tt.kind), event.Subject())
		})
	}
}

func TestMsgID(t *testing.T) {
	// One swap can emit several transfers under one hash and the same parties.
	transfer := func(contract, value string) etherscan.Transaction {
		return etherscan.Transaction{
			Hash:            "0xh",
			From:            "0xr",
			To:              "0xu",
			ContractAddress: contract,
			Value:           value,
			TokenSymbol:     "TKN",
			TokenDecimal:    "18",
		}
	}
	trace := func(id string) etherscan.Transaction {
		return etherscan.Transaction{Hash: "0xh", From: "0xr", To: "0xu", Value: "1", TraceID: id}
	}

	tests := []struct {
		name string
		kind etherscan.Kind
		rows []etherscan.Transaction
	}{
		{name: "different tokens", kind: etherscan.KindERC20, rows: []etherscan.Transaction{transfer("0xA", "1"), transfer("0xB", "1")}},
		{name: "different amounts", kind: etherscan.KindERC20, rows: []etherscan.Transaction{transfer("0xA", "1"), transfer("0xA", "2")}},
		{name: "internal traces", kind: etherscan.KindInternal, rows: []etherscan.Transaction{trace("0_1"), trace("0_2")}},
		{name: "identical rows", kind: etherscan.KindERC20, rows: []etherscan.Transaction{transfer("0xA", "1"), transfer("0xA", "1"), transfer("0xA", "1")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events := FromTransactions("0xu", tt.kind, tt.rows)
			ids := make(map[string]struct{})
			for _, e := range events {
				ids[e.MsgID()] = struct{}{}
			}
			assert.Len(t, ids, len(tt.rows))

			// A redelivered listing produces the same ids.
			again := FromTransactions("0xu", tt.kind, tt.rows)
			for i := range events {
				assert.Equal(t, events[i].MsgID(), again[i].MsgID())
			}
		})
	}
}

func TestMockPublisher_DropsDuplicateMsgIDs(t *testing.T) {
	ctx := context.Background()
	pub := NewMockPublisher()
	rows := []etherscan.Transaction{
		{Hash: "0xh", From: "0xr", To: "0xu", ContractAddress: "0xA", Value: "1"},
		{Hash: "0xh", From: "0xr", To: "0xu", ContractAddress: "0xB", Value: "1"},
	}

	require.NoError(t, pub.PublishTransactionBatch(ctx, FromTransactions("0xu", etherscan.KindERC20, rows)))
	assert.Equal(t, 2, pub.GetPublishedEventCount())
	assert.Zero(t, pub.DuplicateCount())

	require.NoError(t, pub.PublishTransactionBatch(ctx, FromTransactions("0xu", etherscan.KindERC20, rows)))
	assert.Equal(t, 2, pub.GetPublishedEventCount())
	assert.Equal(t, 2, pub.DuplicateCount())
	assert.Equal(t, []string{"txns.0xu.erc20"}, pub.Subjects())
}

func TestMockPublisher(t *testing.T) {
	ctx := context.Background()
	pub := NewMockPublisher()

	txns := []etherscan.Transaction{{Hash: "0x1"}, {Hash: "0x2"}}
	require.NoError(t, pub.PublishTransactionBatch(ctx, FromTransactions("0xa", etherscan.KindNormal, txns)))
	require.NoError(t, pub.PublishTransaction(ctx, FromTransaction("0xa", etherscan.KindERC20, etherscan.Transaction{Hash: "0x3"})))
	require.NoError(t, pub.PublishTransaction(ctx, FromTransaction("0xb", etherscan.KindERC20, etherscan.Transaction{Hash: "0x4"})))

	assert.Equal(t, 4, pub.GetPublishedEventCount())
	assert.Len(t, pub.GetPublishedEventsForAddress("0xa", ""), 3)
	assert.Len(t, pub.GetPublishedEventsForAddress("0xa", "erc20"), 1)

	pub.SetPublishError(errors.New("down"))
	assert.Error(t, pub.PublishTransaction(ctx, &TransactionEvent{}))
	assert.Equal(t, 4, pub.GetPublishedEventCount())

	pub.Reset()
	assert.Zero(t, pub.GetPublishedEventCount())
	require.NoError(t, pub.Close())
	assert.True(t, pub.IsClosed())
}
