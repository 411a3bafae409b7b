package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"orderbridge/internal/model"
)

const (
	fileHeaders  = "headers.csv"
	fileSales    = "sales_lines.csv"
	filePayments = "payment_lines.csv"
	fileTaxes    = "tax_lines.csv"
	fileManifest = "manifest.json"
)

var headerColumns = []string{
	"transaction_id", "channel", "source_order_id", "operating_unit",
	"store_id", "currency", "placed_at", "customer_name", "address_line",
	"city", "region", "postal_code", "subtotal", "discount", "tax", "total",
}

var salesColumns = []string{
	"transaction_id", "line_seq", "product_id", "description", "quantity",
	"unit_price", "discount", "tax", "line_total", "service_charge",
}

var paymentColumns = []string{"transaction_id", "method", "amount"}

var taxColumns = []string{"transaction_id", "line_seq", "product_id", "tax_amount"}

type manifest struct {
	BatchID   string         `json:"batch_id"`
	CreatedAt time.Time      `json:"created_at"`
	Orders    int            `json:"orders"`
	Files     map[string]int `json:"files"`
}

// writePackage renders the four column-mapped files plus the manifest into
// dir. Row counts in the manifest are data rows, excluding the header row.
func writePackage(dir, batchID string, orders []*model.Order) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}

	var headers, sales, payments, taxes [][]string
	for _, o := range orders {
		txn := o.Key.TransactionID()
		headers = append(headers, []string{
			txn, o.Key.Channel, o.Key.SourceID, o.OperatingUnit,
			o.StoreID, o.Currency, o.PlacedAt.UTC().Format(time.RFC3339),
			deref(o.CustomerName), deref(o.AddressLine),
			deref(o.AddressCity), deref(o.AddressRegion), deref(o.PostalCode),
			o.Subtotal.StringFixed(2), o.Discount.StringFixed(2),
			o.Tax.StringFixed(2), o.Total.StringFixed(2),
		})
		for _, l := range o.Lines {
			sales = append(sales, []string{
				txn, fmt.Sprint(l.Seq), l.ProductID, l.Description,
				l.Quantity.StringFixed(3), l.UnitPrice.StringFixed(2),
				l.Discount.StringFixed(2), l.Tax.StringFixed(2),
				l.LineTotal.StringFixed(2), fmt.Sprint(l.ServiceCharge),
			})
			if !l.Tax.IsZero() {
				taxes = append(taxes, []string{
					txn, fmt.Sprint(l.Seq), l.ProductID, l.Tax.StringFixed(2),
				})
			}
		}
		for _, p := range o.Payments {
			payments = append(payments, []string{txn, p.Method, p.Amount.StringFixed(2)})
		}
	}

	files := []struct {
		name string
		cols []string
		rows [][]string
	}{
		{fileHeaders, headerColumns, headers},
		{fileSales, salesColumns, sales},
		{filePayments, paymentColumns, payments},
		{fileTaxes, taxColumns, taxes},
	}
	m := manifest{
		BatchID:   batchID,
		CreatedAt: time.Now().UTC(),
		Orders:    len(orders),
		Files:     make(map[string]int, len(files)),
	}
	for _, f := range files {
		if err := writeCSV(filepath.Join(dir, f.name), f.cols, f.rows); err != nil {
			return err
		}
		m.Files[f.name] = len(f.rows)
	}

	b, err := json.MarshalIndent(&m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, fileManifest), b, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

func writeCSV(path string, cols []string, rows [][]string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", filepath.Base(path), err)
	}
	w := csv.NewWriter(f)
	if err := w.Write(cols); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := w.WriteAll(rows); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	// WriteAll flushed; surface any deferred writer error before closing.
	if err := w.Error(); err != nil {
		f.Close()
		return fmt.Errorf("flush %s: %w", filepath.Base(path), err)
	}
	return f.Close()
}

// validatePackage re-reads the staged files from disk and checks the package
// as the importer would see it: row counts against the manifest, and every
// sales, payment and tax row referencing a transaction id present in the
// header file. Validating the rendered bytes rather than the in-memory batch
// means a write bug cannot publish an inconsistent package.
func validatePackage(dir string) error {
	mb, err := os.ReadFile(filepath.Join(dir, fileManifest))
	if err != nil {
		return fmt.Errorf("%w: read manifest: %v", ErrPackageIntegrity, err)
	}
	var m manifest
	if err := json.Unmarshal(mb, &m); err != nil {
		return fmt.Errorf("%w: decode manifest: %v", ErrPackageIntegrity, err)
	}

	headerRows, err := readCSV(filepath.Join(dir, fileHeaders))
	if err != nil {
		return err
	}
	txns := make(map[string]struct{}, len(headerRows))
	for _, row := range headerRows {
		txns[row[0]] = struct{}{}
	}
	if len(headerRows) != m.Orders {
		return fmt.Errorf("%w: %d header rows for %d orders", ErrPackageIntegrity, len(headerRows), m.Orders)
	}
	if n := m.Files[fileHeaders]; n != len(headerRows) {
		return fmt.Errorf("%w: %s has %d rows, manifest says %d", ErrPackageIntegrity, fileHeaders, len(headerRows), n)
	}

	for _, name := range []string{fileSales, filePayments, fileTaxes} {
		rows, err := readCSV(filepath.Join(dir, name))
		if err != nil {
			return err
		}
		if n := m.Files[name]; n != len(rows) {
			return fmt.Errorf("%w: %s has %d rows, manifest says %d", ErrPackageIntegrity, name, len(rows), n)
		}
		for _, row := range rows {
			if _, ok := txns[row[0]]; !ok {
				return fmt.Errorf("%w: %s references transaction %q absent from headers", ErrPackageIntegrity, name, row[0])
			}
		}
	}
	return nil
}

func readCSV(path string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrPackageIntegrity, filepath.Base(path), err)
	}
	defer f.Close()
	all, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ErrPackageIntegrity, filepath.Base(path), err)
	}
	if len(all) == 0 {
		return nil, fmt.Errorf("%w: %s missing header row", ErrPackageIntegrity, filepath.Base(path))
	}
	return all[1:], nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
