package nats

import (
	"strconv"
	"strings"
	"time"

	"github.com/brojonat/txlens/service/etherscan"
)

// TransactionEvent is one fetched listing row, published to
// "txns.{address}.{kind}" in JetStream.
type TransactionEvent struct {
	// Listing the row came from
	Address string `json:"address"`
	Kind    string `json:"kind"`

	// Transaction identifiers
	Hash        string `json:"hash"`
	BlockNumber uint64 `json:"block_number"`

	// Counter-parties
	From            string `json:"from"`
	To              string `json:"to"`
	ContractAddress string `json:"contract_address,omitempty"`
	TraceID         string `json:"trace_id,omitempty"`

	// Transfer details; Amount is already scaled by the token decimals,
	// Value is the raw integer the listing reported.
	TokenSymbol string `json:"token_symbol"`
	Amount      string `json:"amount"`
	Value       string `json:"value"`

	// Seq counts earlier rows of the same listing that share every field
	// of the message id, so repeated identical transfers stay distinct.
	Seq int `json:"seq,omitempty"`

	BlockTime   time.Time `json:"block_time"`
	PublishedAt time.Time `json:"published_at"`
}

// Subject returns the subject the event is published on.
func (e *TransactionEvent) Subject() string {
	return "txns." + e.Address + "." + e.Kind
}

// MsgID is the JetStream dedup id. A single hash can carry several rows
// (token transfers, internal traces), so the id covers the row's contents.
func (e *TransactionEvent) MsgID() string {
	id := e.rowID()
	if e.Seq > 0 {
		id += ":" + strconv.Itoa(e.Seq)
	}
	return id
}

func (e *TransactionEvent) rowID() string {
	return strings.Join([]string{
		e.Kind, e.Hash, e.From, e.To, e.ContractAddress, e.TraceID, e.Value,
	}, ":")
}

// FromTransaction converts a listing row for address into an event.
// Unparseable amounts and timestamps are left at their zero values.
func FromTransaction(address string, kind etherscan.Kind, txn etherscan.Transaction) *TransactionEvent {
	event := &TransactionEvent{
		Address:         address,
		Kind:            string(kind),
		Hash:            txn.Hash,
		BlockNumber:     txn.BlockNumber,
		From:            txn.From,
		To:              txn.To,
		ContractAddress: txn.ContractAddress,
		TraceID:         txn.TraceID,
		TokenSymbol:     txn.Symbol(),
		Value:           txn.Value,
		PublishedAt:     time.Now().UTC(),
	}
	if amount, err := txn.Amount(); err == nil {
		event.Amount = amount.String()
	}
	if ts, err := txn.Time(); err == nil {
		event.BlockTime = ts
	}
	return event
}

// FromTransactions converts a whole listing, numbering rows that would
// otherwise share a message id.
func FromTransactions(address string, kind etherscan.Kind, txns []etherscan.Transaction) []*TransactionEvent {
	events := make([]*TransactionEvent, len(txns))
	seen := make(map[string]int, len(txns))
	for i, txn := range txns {
		event := FromTransaction(address, kind, txn)
		id := event.rowID()
		event.Seq = seen[id]
		seen[id]++
		events[i] = event
	}
	return events
}
