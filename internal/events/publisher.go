package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/maltedev/pharmacy-scraper/internal/database"
	"github.com/maltedev/pharmacy-scraper/internal/models"
)

type EventType string

const (
	// EventTypeProductCaptured is published whenever a product page yields a record.
	EventTypeProductCaptured EventType = "PRODUCT_CAPTURED"
)

// ProductCapturedPayload is the event body consumers read from the stream.
type ProductCapturedPayload struct {
	EventID   string                `json:"event_id"`
	EventType string                `json:"event_type"`
	Timestamp time.Time             `json:"timestamp"`
	RPC       string                `json:"rpc"`
	URL       string                `json:"url"`
	Title     string                `json:"title"`
	Brand     string                `json:"brand,omitempty"`
	InStock   bool                  `json:"in_stock"`
	IsNew     bool                  `json:"is_new"`
	Record    *models.ProductRecord `json:"record"`
	Source    string                `json:"source"`
}

type Transactor interface {
	Transaction(ctx context.Context, fn func(pgx.Tx) error) error
}

type ProductUpserter interface {
	UpsertWithTx(ctx context.Context, tx pgx.Tx, record *models.ProductRecord) (bool, error)
}

type OutboxInserter interface {
	InsertWithTx(ctx context.Context, tx pgx.Tx, event *database.OutboxEvent) error
}

// Publisher stores a captured record and its PRODUCT_CAPTURED event in one
// transaction. The relay later moves the event to Redis.
type Publisher struct {
	db       Transactor
	products ProductUpserter
	outbox   OutboxInserter
	stream   string
	logger   *slog.Logger
}

func NewPublisher(db *database.DB, stream string, logger *slog.Logger) *Publisher {
	return newPublisher(db, database.NewProductRepository(db), database.NewOutboxRepository(db), stream, logger)
}

func newPublisher(db Transactor, products ProductUpserter, outbox OutboxInserter, stream string, logger *slog.Logger) *Publisher {
	if stream == "" {
		stream = database.DefaultProductStream
	}
	return &Publisher{
		db:       db,
		products: products,
		outbox:   outbox,
		stream:   stream,
		logger:   logger.With("component", "event_publisher"),
	}
}

// Write implements the crawler sink.
func (p *Publisher) Write(ctx context.Context, record *models.ProductRecord) error {
	return p.PublishProductCaptured(ctx, record)
}

func (p *Publisher) PublishProductCaptured(ctx context.Context, record *models.ProductRecord) error {
	payload := &ProductCapturedPayload{
		EventID:   uuid.New().String(),
		EventType: string(EventTypeProductCaptured),
		Timestamp: time.Now(),
		RPC:       record.RPC,
		URL:       record.URL,
		Title:     record.Title,
		Brand:     record.Brand,
		InStock:   record.Stock.InStock,
		Record:    record,
		Source:    "scraper",
	}

	var outboxEvent *database.OutboxEvent
	err := p.db.Transaction(ctx, func(tx pgx.Tx) error {
		inserted, err := p.products.UpsertWithTx(ctx, tx, record)
		if err != nil {
			return err
		}
		payload.IsNew = inserted

		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal event: %w", err)
		}

		outboxEvent = &database.OutboxEvent{
			AggregateType: "product",
			AggregateID:   record.RPC,
			EventType:     string(EventTypeProductCaptured),
			Payload:       data,
			TargetStream:  p.stream,
		}
		return p.outbox.InsertWithTx(ctx, tx, outboxEvent)
	})
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	p.logger.Debug("event published to outbox",
		"type", payload.EventType,
		"event_id", payload.EventID,
		"rpc", record.RPC,
		"is_new", payload.IsNew,
		"outbox_id", outboxEvent.ID,
	)

	return nil
}
