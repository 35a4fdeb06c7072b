package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"inventory-sync/internal/database"
	"inventory-sync/internal/logger"
	"inventory-sync/internal/queue"
)

var ErrEmptyBarcode = errors.New("empty barcode")

// itemNamespace derives stable item ids from barcodes so a repeated attempt
// updates the item it created before.
var itemNamespace = uuid.MustParse("9b1f6d8e-3c1a-4e7b-9f57-2d4c8a6e0b11")

// BarcodeLookup is the offline queue's action: it resolves a scanned
// barcode against the cloud product catalogue and files the product as a
// local item.
type BarcodeLookup struct {
	cloud    *database.Database
	local    *database.Database
	table    string
	deviceID string
	now      func() time.Time
}

var _ queue.Action = (*BarcodeLookup)(nil)

func NewBarcodeLookup(cloud, local *database.Database, itemsTable, deviceID string) *BarcodeLookup {
	return &BarcodeLookup{
		cloud:    cloud,
		local:    local,
		table:    itemsTable,
		deviceID: deviceID,
		now:      time.Now,
	}
}

type scannedItem struct {
	ID       string `json:"id"`
	Barcode  string `json:"barcode"`
	Name     string `json:"name"`
	Brand    string `json:"brand,omitempty"`
	Category string `json:"category,omitempty"`
}

func ItemID(barcode string) string {
	return uuid.NewSHA1(itemNamespace, []byte(barcode)).String()
}

func (b *BarcodeLookup) Attempt(ctx context.Context, payload string) (queue.Result, error) {
	barcode := strings.TrimSpace(payload)
	if barcode == "" {
		return queue.Result{}, ErrEmptyBarcode
	}

	product, err := b.cloud.LookupProduct(ctx, barcode)
	if err != nil {
		return queue.Result{}, err
	}
	if product == nil {
		logger.Log.Info("No product for barcode", zap.String("barcode", barcode))
		return queue.Result{Found: false}, nil
	}

	item := scannedItem{
		ID:       ItemID(barcode),
		Barcode:  product.Barcode,
		Name:     product.Name,
		Brand:    product.Brand,
		Category: product.Category,
	}
	data, err := json.Marshal(item)
	if err != nil {
		return queue.Result{}, err
	}

	err = b.local.PutEntity(ctx, b.table, &database.Entity{
		ID:         item.ID,
		Payload:    data,
		ModifiedAt: b.now().UTC(),
		ModifiedBy: b.deviceID,
		DeviceID:   b.deviceID,
	})
	if err != nil {
		return queue.Result{}, fmt.Errorf("failed to save item for %s: %w", barcode, err)
	}

	logger.Log.Info("Item added from barcode", zap.String("barcode", barcode), zap.String("item_id", item.ID))
	return queue.Result{Found: true}, nil
}
