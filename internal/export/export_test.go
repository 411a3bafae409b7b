package export

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"orderbridge/internal/model"
	"orderbridge/internal/store"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func persistedOrder(id string) *model.Order {
	return &model.Order{
		Key:           model.OrderKey{Channel: "shopfront", SourceID: id},
		StoreID:       "s1",
		OperatingUnit: "SF-s1",
		Status:        model.StatusPersisted,
		ChannelStatus: "delivered",
		Currency:      "USD",
		Subtotal:      dec("10.00"),
		Discount:      dec("1.00"),
		Tax:           dec("0.50"),
		Total:         dec("9.50"),
		Lines: []model.OrderLine{
			{Seq: 1, ProductID: "SKU-1", Description: "Widget", Quantity: dec("2.000"),
				UnitPrice: dec("5.00"), Discount: dec("1.00"), Tax: dec("0.50"), LineTotal: dec("9.00")},
		},
		Payments:  []model.OrderPayment{{Method: "card", Amount: dec("9.50")}},
		PlacedAt:  time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		UpdatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func seedStore(t *testing.T, n int) *store.Memory {
	t.Helper()
	s := store.NewMemory()
	for i := 0; i < n; i++ {
		if err := s.UpsertOrder(context.Background(), persistedOrder(fmt.Sprintf("O%d", i))); err != nil {
			t.Fatal(err)
		}
	}
	return s
}

func readRows(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	return rows
}

func TestExportPublishesValidBatch(t *testing.T) {
	s := seedStore(t, 3)
	out := t.TempDir()
	e := New(s, out, time.Minute, 500, nil)

	batchID, n, err := e.ExportOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 || batchID == "" {
		t.Fatalf("exported %d orders, batch %q", n, batchID)
	}

	dir := filepath.Join(out, "batch-"+batchID)
	for _, name := range []string{fileHeaders, fileSales, filePayments, fileTaxes, fileManifest} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Fatalf("missing %s: %v", name, err)
		}
	}
	if _, err := os.Stat(filepath.Join(out, ".staging-"+batchID)); !os.IsNotExist(err) {
		t.Fatal("staging dir must not survive promotion")
	}

	headers := readRows(t, filepath.Join(dir, fileHeaders))
	if len(headers) != 4 { // column row + 3 orders
		t.Fatalf("header rows = %d", len(headers))
	}
	if headers[1][0] != "SHOPFRONT-O0" {
		t.Fatalf("transaction id = %q", headers[1][0])
	}
	if headers[1][15] != "9.50" {
		t.Fatalf("total column = %q", headers[1][15])
	}

	var m manifest
	mb, err := os.ReadFile(filepath.Join(dir, fileManifest))
	if err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(mb, &m); err != nil {
		t.Fatal(err)
	}
	if m.BatchID != batchID || m.Orders != 3 || m.Files[fileSales] != 3 {
		t.Fatalf("manifest = %+v", m)
	}

	for i := 0; i < 3; i++ {
		o, err := s.GetOrder(context.Background(), model.OrderKey{Channel: "shopfront", SourceID: fmt.Sprintf("O%d", i)})
		if err != nil {
			t.Fatal(err)
		}
		if o.Status != model.StatusExported {
			t.Fatalf("order O%d status = %s", i, o.Status)
		}
		if o.Attributes["export_batch"] != batchID {
			t.Fatalf("order O%d batch attribute = %q", i, o.Attributes["export_batch"])
		}
	}
}

// A tax row referencing a transaction absent from the header file must
// reject the entire batch: no package is published and no order moves to
// Exported.
func TestDanglingTaxRowRejectsWholeBatch(t *testing.T) {
	s := seedStore(t, 2)
	out := t.TempDir()
	e := New(s, out, time.Minute, 500, nil)
	e.beforeValidate = func(dir string) error {
		// Keep the manifest count consistent so only the referential check
		// can catch the corruption.
		mPath := filepath.Join(dir, fileManifest)
		mb, err := os.ReadFile(mPath)
		if err != nil {
			return err
		}
		var m manifest
		if err := json.Unmarshal(mb, &m); err != nil {
			return err
		}
		m.Files[fileTaxes]++
		b, err := json.Marshal(&m)
		if err != nil {
			return err
		}
		if err := os.WriteFile(mPath, b, 0o644); err != nil {
			return err
		}
		f, err := os.OpenFile(filepath.Join(dir, fileTaxes), os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = f.WriteString("GHOST-404,1,SKU-X,0.50\n")
		return err
	}

	_, _, err := e.ExportOnce(context.Background())
	if !errors.Is(err, ErrPackageIntegrity) {
		t.Fatalf("err = %v, want package integrity rejection", err)
	}

	entries, err := os.ReadDir(out)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("out dir has %d entries, want none published", len(entries))
	}
	for _, id := range []string{"O0", "O1"} {
		o, _ := s.GetOrder(context.Background(), model.OrderKey{Channel: "shopfront", SourceID: id})
		if o.Status != model.StatusPersisted {
			t.Fatalf("order %s status = %s, want persisted for retry", id, o.Status)
		}
	}

	// The next run, without the corruption, publishes under a fresh batch id.
	e.beforeValidate = nil
	batchID, n, err := e.ExportOnce(context.Background())
	if err != nil || n != 2 {
		t.Fatalf("retry: n=%d err=%v", n, err)
	}
	if _, err := os.Stat(filepath.Join(out, "batch-"+batchID)); err != nil {
		t.Fatal(err)
	}
}

func TestManifestMismatchRejectsBatch(t *testing.T) {
	s := seedStore(t, 1)
	out := t.TempDir()
	e := New(s, out, time.Minute, 500, nil)
	e.beforeValidate = func(dir string) error {
		f, err := os.OpenFile(filepath.Join(dir, filePayments), os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = f.WriteString("SHOPFRONT-O0,cash,1.00\n")
		return err
	}

	_, _, err := e.ExportOnce(context.Background())
	if !errors.Is(err, ErrPackageIntegrity) {
		t.Fatalf("err = %v, want package integrity rejection", err)
	}
	o, _ := s.GetOrder(context.Background(), model.OrderKey{Channel: "shopfront", SourceID: "O0"})
	if o.Status != model.StatusPersisted {
		t.Fatalf("status = %s, want persisted", o.Status)
	}
}

func TestExportOnceNothingToDo(t *testing.T) {
	e := New(store.NewMemory(), t.TempDir(), time.Minute, 500, nil)
	batchID, n, err := e.ExportOnce(context.Background())
	if err != nil || n != 0 || batchID != "" {
		t.Fatalf("got %q %d %v", batchID, n, err)
	}
}

func TestBatchSizeCapsClaim(t *testing.T) {
	s := seedStore(t, 5)
	out := t.TempDir()
	e := New(s, out, time.Minute, 2, nil)

	_, n, err := e.ExportOnce(context.Background())
	if err != nil || n != 2 {
		t.Fatalf("first batch n=%d err=%v", n, err)
	}
	_, n, err = e.ExportOnce(context.Background())
	if err != nil || n != 2 {
		t.Fatalf("second batch n=%d err=%v", n, err)
	}
	_, n, err = e.ExportOnce(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("third batch n=%d err=%v", n, err)
	}
}
