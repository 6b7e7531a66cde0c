package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/maltedev/pharmacy-scraper/internal/models"
)

// ProductRepository stores the latest captured record per product code.
type ProductRepository struct {
	db *DB
}

func NewProductRepository(db *DB) *ProductRepository {
	return &ProductRepository{db: db}
}

// UpsertWithTx writes record inside tx and reports whether the product was
// new to the table.
func (r *ProductRepository) UpsertWithTx(ctx context.Context, tx pgx.Tx, record *models.ProductRecord) (bool, error) {
	data, err := json.Marshal(record)
	if err != nil {
		return false, fmt.Errorf("failed to marshal record: %w", err)
	}
	section, err := json.Marshal(record.Section)
	if err != nil {
		return false, fmt.Errorf("failed to marshal section: %w", err)
	}

	query := `
		INSERT INTO products (
			rpc, url, title, brand, section,
			price_current, price_original, sale_tag, in_stock,
			record, captured_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11
		)
		ON CONFLICT (rpc) DO UPDATE SET
			url = EXCLUDED.url,
			title = EXCLUDED.title,
			brand = EXCLUDED.brand,
			section = EXCLUDED.section,
			price_current = EXCLUDED.price_current,
			price_original = EXCLUDED.price_original,
			sale_tag = EXCLUDED.sale_tag,
			in_stock = EXCLUDED.in_stock,
			record = EXCLUDED.record,
			captured_at = EXCLUDED.captured_at,
			updated_at = CURRENT_TIMESTAMP
		RETURNING (xmax = 0) AS inserted`

	var inserted bool
	err = tx.QueryRow(ctx, query,
		record.RPC, record.URL, record.Title, record.Brand, section,
		record.Price.Current, record.Price.Original, record.Price.Discount, record.Stock.InStock,
		data, record.CapturedAt,
	).Scan(&inserted)
	if err != nil {
		return false, fmt.Errorf("failed to upsert product %s: %w", record.RPC, err)
	}

	return inserted, nil
}

// Get returns the stored record, or nil when rpc is unknown.
func (r *ProductRepository) Get(ctx context.Context, rpc string) (*models.ProductRecord, error) {
	var data []byte
	var capturedAt time.Time
	err := r.db.pool.QueryRow(ctx,
		`SELECT record, captured_at FROM products WHERE rpc = $1`, rpc,
	).Scan(&data, &capturedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get product: %w", err)
	}

	record := &models.ProductRecord{}
	if err := json.Unmarshal(data, record); err != nil {
		return nil, fmt.Errorf("failed to decode product %s: %w", rpc, err)
	}
	record.CapturedAt = capturedAt
	return record, nil
}

// CountByStock returns product counts keyed "in_stock", "out_of_stock" and "total".
func (r *ProductRepository) CountByStock(ctx context.Context) (map[string]int, error) {
	rows, err := r.db.pool.Query(ctx, `SELECT in_stock, COUNT(*) FROM products GROUP BY in_stock`)
	if err != nil {
		return nil, fmt.Errorf("failed to count products: %w", err)
	}
	defer rows.Close()

	counts := map[string]int{"in_stock": 0, "out_of_stock": 0, "total": 0}
	for rows.Next() {
		var inStock bool
		var count int
		if err := rows.Scan(&inStock, &count); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		if inStock {
			counts["in_stock"] = count
		} else {
			counts["out_of_stock"] = count
		}
		counts["total"] += count
	}

	return counts, rows.Err()
}
