package report

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"csgo-arbiter/internal/models"
	"csgo-arbiter/internal/quant"
	"csgo-arbiter/internal/store"

	"github.com/xuri/excelize/v2"
)

const (
	StatisticsSheet = "Statistics"
	SummarySheet    = "Summary"
)

var header = []interface{}{
	"Class ID", "Market name", "Mean price", "Sales", "Slope",
	"Float min", "Float max", "Time correlation", "Reliable", "Updated",
}

// Row is one item class in the workbook.
type Row struct {
	Class    models.ItemClass
	Stats    models.PriceStatistics
	Reliable bool
}

// Build joins every statistics row with its class, most traded first.
func Build(ctx context.Context, st *store.Store, gate quant.Gate) ([]Row, error) {
	classes, err := st.ItemClasses(ctx)
	if err != nil {
		return nil, err
	}
	byID := make(map[uint]models.ItemClass, len(classes))
	for _, c := range classes {
		byID[c.ID] = c
	}

	stats, err := st.AllStatistics(ctx)
	if err != nil {
		return nil, err
	}
	rows := make([]Row, 0, len(stats))
	for _, s := range stats {
		c, ok := byID[s.ItemClassID]
		if !ok {
			c = models.ItemClass{ID: s.ItemClassID}
		}
		rows = append(rows, Row{Class: c, Stats: s, Reliable: gate.Reliable(s)})
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].Stats.SaleCount != rows[j].Stats.SaleCount {
			return rows[i].Stats.SaleCount > rows[j].Stats.SaleCount
		}
		return rows[i].Class.ID < rows[j].Class.ID
	})
	return rows, nil
}

func optional(v *float64) interface{} {
	if v == nil {
		return ""
	}
	return *v
}

// Write renders rows as an xlsx workbook.
func Write(w io.Writer, rows []Row, generated time.Time) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", StatisticsSheet); err != nil {
		return err
	}
	if err := f.SetSheetRow(StatisticsSheet, "A1", &header); err != nil {
		return err
	}
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return err
	}
	if err := f.SetCellStyle(StatisticsSheet, "A1", "J1", bold); err != nil {
		return err
	}

	reliable := 0
	for i, r := range rows {
		if r.Reliable {
			reliable++
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		values := []interface{}{
			r.Class.ID,
			r.Class.Name,
			r.Stats.MeanPrice,
			r.Stats.SaleCount,
			r.Stats.PriceSlope,
			optional(r.Stats.FloatMin),
			optional(r.Stats.FloatMax),
			optional(r.Stats.TimeCorrelation),
			r.Reliable,
			r.Stats.UpdatedAt.UTC().Format(time.RFC3339),
		}
		if err := f.SetSheetRow(StatisticsSheet, cell, &values); err != nil {
			return fmt.Errorf("write row %d: %w", i+2, err)
		}
	}
	if err := f.SetColWidth(StatisticsSheet, "B", "B", 48); err != nil {
		return err
	}

	if _, err := f.NewSheet(SummarySheet); err != nil {
		return err
	}
	summary := [][]interface{}{
		{"Generated", generated.UTC().Format(time.RFC3339)},
		{"Classes", len(rows)},
		{"Reliable", reliable},
	}
	for i, row := range summary {
		cell, _ := excelize.CoordinatesToCellName(1, i+1)
		if err := f.SetSheetRow(SummarySheet, cell, &row); err != nil {
			return err
		}
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

// WriteFile exports the current statistics into dir and returns the file path.
func WriteFile(ctx context.Context, st *store.Store, gate quant.Gate, dir string, now time.Time) (string, error) {
	rows, err := Build(ctx, st, gate)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create report dir: %w", err)
	}
	path := filepath.Join(dir, "statistics-"+now.UTC().Format("20060102-150405")+".xlsx")
	out, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create report: %w", err)
	}
	if err := Write(out, rows, now); err != nil {
		out.Close()
		return "", err
	}
	if err := out.Close(); err != nil {
		return "", err
	}
	return path, nil
}
