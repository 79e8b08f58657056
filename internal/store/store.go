// Package store persists strategy metadata, effect log records and lifecycle operations.
package store

import (
	"context"
	"strings"
	"time"

	"automation/internal/schema"

	"github.com/ethereum/go-ethereum/common"
)

// Topic is a strategy-defined log topic name keyed by its bytes32 hash.
type Topic struct {
	Hash common.Hash `json:"hash"`
	Name string      `json:"name"`
}

// Vault locates a strategy's funding vault.
type Vault struct {
	ChainID uint64
	Address common.Address
}

// Strategy is the metadata the executor needs about a registered strategy program.
type Strategy struct {
	ID              string
	Name            string
	Operator        common.Address
	RequiresFunding bool
	Vault           *Vault
	Topics          []Topic
}

// LogRecord is one durable log line emitted by a strategy through the LOG effect.
type LogRecord struct {
	ID             string
	StrategyID     string
	Epoch          uint64
	CorrelationID  string
	IdempotencyKey string
	Level          uint8
	Topic          common.Hash
	TopicName      string
	Message        string
	CreatedAt      time.Time
}

type Store interface {
	// Strategy returns exception.ErrStrategyNotFound for an unknown id.
	Strategy(ctx context.Context, id string) (Strategy, error)
	AppendLog(ctx context.Context, record LogRecord) error
	SaveOperation(ctx context.Context, op schema.OperationState) error
	// LatestOperation returns exception.ErrRecordNotFound when the strategy has none.
	LatestOperation(ctx context.Context, strategyID string) (schema.OperationState, error)
	// OpenOperations lists operations that have not reached a terminal status, oldest first.
	OpenOperations(ctx context.Context) ([]schema.OperationState, error)
}

// NormalizeID is the canonical form of a strategy id: its lowercase hex contract address.
func NormalizeID(id string) string {
	return strings.ToLower(id)
}
