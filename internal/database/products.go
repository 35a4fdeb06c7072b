package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Product is a catalogue row in the cloud products table, keyed by barcode.
type Product struct {
	Barcode  string `db:"barcode" json:"barcode"`
	Name     string `db:"name" json:"name"`
	Brand    string `db:"brand" json:"brand,omitempty"`
	Category string `db:"category" json:"category,omitempty"`
}

func (d *Database) EnsureProductTable(ctx context.Context) error {
	_, err := d.DB.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS products (
		barcode VARCHAR(64) NOT NULL PRIMARY KEY,
		name VARCHAR(255) NOT NULL,
		brand VARCHAR(255) NOT NULL DEFAULT '',
		category VARCHAR(255) NOT NULL DEFAULT ''
	)`)
	if err != nil {
		return fmt.Errorf("failed to create products table: %w", err)
	}
	return nil
}

func (d *Database) PutProduct(ctx context.Context, p *Product) error {
	query := `INSERT INTO products (barcode, name, brand, category) VALUES (:barcode, :name, :brand, :category)`
	if _, err := d.DB.NamedExecContext(ctx, query, p); err != nil {
		return fmt.Errorf("failed to insert product %s: %w", p.Barcode, err)
	}
	return nil
}

// LookupProduct returns nil, nil when no product carries the barcode.
func (d *Database) LookupProduct(ctx context.Context, barcode string) (*Product, error) {
	var p Product
	err := d.DB.GetContext(ctx, &p, `SELECT barcode, name, brand, category FROM products WHERE barcode = ?`, barcode)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up barcode %s: %w", barcode, err)
	}
	return &p, nil
}
