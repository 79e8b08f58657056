package effect

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/yanun0323/logs"

	"automation/internal/schema"
	"automation/internal/store"
)

// Level is the severity a strategy attaches to a log effect.
type Level uint8

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	_level_end
)

func (l Level) IsAvailable() bool {
	return l < _level_end
}

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "LEVEL(" + strconv.Itoa(int(l)) + ")"
	}
}

func (l Level) color() *color.Color {
	switch l {
	case LevelDebug:
		return color.New(color.FgHiBlack)
	case LevelInfo:
		return color.New(color.FgCyan)
	case LevelWarn:
		return color.New(color.FgYellow)
	case LevelError:
		return color.New(color.FgRed, color.Bold)
	default:
		return color.New(color.FgMagenta)
	}
}

// BaseTopics are the topic names every strategy can log under without declaring them.
var BaseTopics = []string{"GENERAL", "LIFECYCLE", "TRADE", "POSITION", "FUNDS", "SUBSCRIPTION", "ERROR"}

// TopicHash is the bytes32 a strategy passes for a named topic.
func TopicHash(name string) common.Hash {
	return crypto.Keccak256Hash([]byte(name))
}

// TopicRegistry resolves topic hashes to names per strategy.
// Entries are loaded once from the store and shared by all log handler calls.
type TopicRegistry struct {
	source store.Store
	base   map[common.Hash]string

	mu    sync.RWMutex
	cache map[string]map[common.Hash]string
}

func NewTopicRegistry(source store.Store) *TopicRegistry {
	base := make(map[common.Hash]string, len(BaseTopics))
	for _, name := range BaseTopics {
		base[TopicHash(name)] = name
	}
	return &TopicRegistry{
		source: source,
		base:   base,
		cache:  make(map[string]map[common.Hash]string),
	}
}

// Resolve returns the topic name, or the topic hex when the strategy never declared it.
func (r *TopicRegistry) Resolve(ctx context.Context, strategyID string, topic common.Hash) string {
	topics := r.topics(ctx, strategyID)
	if name, ok := topics[topic]; ok {
		return name
	}
	return topic.Hex()
}

// Invalidate drops the cached topics of strategyID.
func (r *TopicRegistry) Invalidate(strategyID string) {
	r.mu.Lock()
	delete(r.cache, strategyID)
	r.mu.Unlock()
}

func (r *TopicRegistry) topics(ctx context.Context, strategyID string) map[common.Hash]string {
	r.mu.RLock()
	topics, ok := r.cache[strategyID]
	r.mu.RUnlock()
	if ok {
		return topics
	}

	s, err := r.source.Strategy(ctx, strategyID)
	if err != nil {
		logs.Errorf("load topics of %s, err: %+v", strategyID, err)
		return r.base
	}

	topics = make(map[common.Hash]string, len(r.base)+len(s.Topics))
	for hash, name := range r.base {
		topics[hash] = name
	}
	for _, t := range s.Topics {
		topics[t.Hash] = t.Name
	}

	r.mu.Lock()
	r.cache[strategyID] = topics
	r.mu.Unlock()
	return topics
}

// LogHandler persists strategy log lines and echoes them to the console.
type LogHandler struct {
	topics  *TopicRegistry
	store   store.Store
	console io.Writer
	now     func() time.Time
}

// NewLogHandler writes console lines to console, or to the colour-aware stdout when nil.
func NewLogHandler(topics *TopicRegistry, st store.Store, console io.Writer) *LogHandler {
	if console == nil {
		console = color.Output
	}
	return &LogHandler{
		topics:  topics,
		store:   st,
		console: console,
		now:     time.Now,
	}
}

func (h *LogHandler) Handle(ctx context.Context, req schema.EffectRequest) (Outcome, error) {
	level, topic, message, err := decodeLog(req.Payload)
	if err != nil {
		return Failed("invalid log payload: " + err.Error()), nil
	}

	name := h.topics.Resolve(ctx, req.StrategyID, topic)
	line := fmt.Sprintf("[%s] epoch=%d %-5s %s: %s", req.StrategyID, req.Epoch, level, name, message)
	_, _ = level.color().Fprintln(h.console, line)

	record := store.LogRecord{
		ID:             uuid.NewString(),
		StrategyID:     req.StrategyID,
		Epoch:          req.Epoch,
		CorrelationID:  req.CorrelationID,
		IdempotencyKey: req.IdempotencyKey.Hex(),
		Level:          uint8(level),
		Topic:          topic,
		TopicName:      name,
		Message:        message,
		CreatedAt:      h.now().UTC(),
	}
	if err := h.store.AppendLog(ctx, record); err != nil {
		logs.Errorf("persist log of %s epoch %d, err: %+v", req.StrategyID, req.Epoch, err)
	}

	return Succeeded(nil), nil
}
