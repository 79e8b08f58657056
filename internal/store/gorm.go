package store

import (
	"context"
	"errors"
	"time"

	"automation/internal/failure"
	"automation/internal/schema"
	"automation/pkg/exception"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var _ Store = (*Gorm)(nil)

type strategyModel struct {
	ID              string  `gorm:"column:id;primaryKey"`
	Name            string  `gorm:"column:name"`
	Operator        string  `gorm:"column:operator"`
	RequiresFunding bool    `gorm:"column:requires_funding"`
	VaultChainID    uint64  `gorm:"column:vault_chain_id"`
	VaultAddress    string  `gorm:"column:vault_address"`
	Topics          []Topic `gorm:"column:topics;serializer:json"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (strategyModel) TableName() string { return "strategies" }

func (m strategyModel) entity() Strategy {
	s := Strategy{
		ID:              m.ID,
		Name:            m.Name,
		Operator:        common.HexToAddress(m.Operator),
		RequiresFunding: m.RequiresFunding,
		Topics:          m.Topics,
	}
	if m.VaultAddress != "" {
		s.Vault = &Vault{ChainID: m.VaultChainID, Address: common.HexToAddress(m.VaultAddress)}
	}
	return s
}

func newStrategyModel(s Strategy) strategyModel {
	m := strategyModel{
		ID:              NormalizeID(s.ID),
		Name:            s.Name,
		Operator:        s.Operator.Hex(),
		RequiresFunding: s.RequiresFunding,
		Topics:          s.Topics,
	}
	if s.Vault != nil {
		m.VaultChainID = s.Vault.ChainID
		m.VaultAddress = s.Vault.Address.Hex()
	}
	return m
}

type logModel struct {
	ID             string    `gorm:"column:id;primaryKey"`
	StrategyID     string    `gorm:"column:strategy_id;index"`
	Epoch          uint64    `gorm:"column:epoch"`
	CorrelationID  string    `gorm:"column:correlation_id"`
	IdempotencyKey string    `gorm:"column:idempotency_key"`
	Level          uint8     `gorm:"column:level"`
	Topic          string    `gorm:"column:topic"`
	TopicName      string    `gorm:"column:topic_name"`
	Message        string    `gorm:"column:message"`
	CreatedAt      time.Time `gorm:"column:created_at"`
}

func (logModel) TableName() string { return "strategy_logs" }

type operationModel struct {
	ID          string     `gorm:"column:id;primaryKey"`
	StrategyID  string     `gorm:"column:strategy_id;index"`
	Operation   string     `gorm:"column:operation"`
	Status      string     `gorm:"column:status"`
	StartedAt   time.Time  `gorm:"column:started_at"`
	CompletedAt *time.Time `gorm:"column:completed_at"`
	Error       string     `gorm:"column:error"`
}

func (operationModel) TableName() string { return "lifecycle_operations" }

func (m operationModel) entity() schema.OperationState {
	op := schema.OperationState{
		ID:         m.ID,
		StrategyID: m.StrategyID,
		Operation:  schema.Operation(m.Operation),
		Status:     schema.OperationStatus(m.Status),
		StartedAt:  m.StartedAt,
		Error:      m.Error,
	}
	if m.CompletedAt != nil {
		op.CompletedAt = *m.CompletedAt
	}
	return op
}

// Gorm is the postgres-backed Store.
type Gorm struct {
	db *gorm.DB
}

func NewGorm(db *gorm.DB) *Gorm {
	return &Gorm{db: db}
}

// Migrate creates or updates the tables the store owns.
func (g *Gorm) Migrate(ctx context.Context) error {
	return g.db.WithContext(ctx).AutoMigrate(&strategyModel{}, &logModel{}, &operationModel{})
}

// SaveStrategy registers or replaces a strategy.
func (g *Gorm) SaveStrategy(ctx context.Context, s Strategy) error {
	m := newStrategyModel(s)
	err := g.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, UpdateAll: true}).
		Create(&m).Error
	return failure.Wrap(err, "save strategy")
}

func (g *Gorm) Strategy(ctx context.Context, id string) (Strategy, error) {
	var m strategyModel
	err := g.db.WithContext(ctx).Where("id = ?", NormalizeID(id)).Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Strategy{}, exception.ErrStrategyNotFound
	}
	if err != nil {
		return Strategy{}, failure.Wrap(err, "query strategy")
	}
	return m.entity(), nil
}

func (g *Gorm) AppendLog(ctx context.Context, record LogRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	m := logModel{
		ID:             record.ID,
		StrategyID:     NormalizeID(record.StrategyID),
		Epoch:          record.Epoch,
		CorrelationID:  record.CorrelationID,
		IdempotencyKey: record.IdempotencyKey,
		Level:          record.Level,
		Topic:          record.Topic.Hex(),
		TopicName:      record.TopicName,
		Message:        record.Message,
		CreatedAt:      record.CreatedAt,
	}
	return failure.Wrap(g.db.WithContext(ctx).Create(&m).Error, "append log")
}

func (g *Gorm) SaveOperation(ctx context.Context, op schema.OperationState) error {
	if op.ID == "" {
		return exception.ErrInvalidArgument
	}
	m := operationModel{
		ID:         op.ID,
		StrategyID: NormalizeID(op.StrategyID),
		Operation:  string(op.Operation),
		Status:     string(op.Status),
		StartedAt:  op.StartedAt,
		Error:      op.Error,
	}
	if !op.CompletedAt.IsZero() {
		completed := op.CompletedAt
		m.CompletedAt = &completed
	}
	err := g.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, UpdateAll: true}).
		Create(&m).Error
	return failure.Wrap(err, "save operation")
}

func (g *Gorm) LatestOperation(ctx context.Context, strategyID string) (schema.OperationState, error) {
	var m operationModel
	err := g.db.WithContext(ctx).
		Where("strategy_id = ?", NormalizeID(strategyID)).
		Order("started_at DESC").
		Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return schema.OperationState{}, exception.ErrRecordNotFound
	}
	if err != nil {
		return schema.OperationState{}, failure.Wrap(err, "query latest operation")
	}
	return m.entity(), nil
}

func (g *Gorm) OpenOperations(ctx context.Context) ([]schema.OperationState, error) {
	var models []operationModel
	err := g.db.WithContext(ctx).
		Where("status NOT IN ?", []string{string(schema.OperationCompleted), string(schema.OperationFailed)}).
		Order("started_at").
		Find(&models).Error
	if err != nil {
		return nil, failure.Wrap(err, "query open operations")
	}

	out := make([]schema.OperationState, 0, len(models))
	for _, m := range models {
		out = append(out, m.entity())
	}
	return out, nil
}
