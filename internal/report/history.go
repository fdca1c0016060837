// Package report renders stored price history as an Excel workbook.
package report

import (
	"fmt"
	"io"
	"sort"

	"fare-scraper/internal/models"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
)

const (
	HistorySheet = "History"
	SummarySheet = "Summary"
)

var historyHeaders = []interface{}{
	"recorded_at", "departure_date", "days_before", "company", "journey_id",
	"price", "currency", "available_seats", "total_seats", "occupancy_rate",
}

var summaryHeaders = []interface{}{
	"company", "samples", "min_price", "max_price", "avg_price", "currency",
}

// CompanySummary aggregates the priced samples of one company.
type CompanySummary struct {
	Company  string
	Samples  int
	Min      decimal.Decimal
	Max      decimal.Decimal
	Avg      decimal.Decimal
	Currency string
}

// Summarize groups rows by company, skipping rows without a price. Output is
// sorted by company name.
func Summarize(rows []models.PriceHistory) []CompanySummary {
	type acc struct {
		sum     decimal.Decimal
		summary CompanySummary
	}
	byCompany := map[string]*acc{}
	for _, r := range rows {
		if r.Price == nil {
			continue
		}
		p := decimal.NewFromFloat(*r.Price)
		a, ok := byCompany[r.CompanyName]
		if !ok {
			a = &acc{summary: CompanySummary{Company: r.CompanyName, Currency: r.Currency, Min: p, Max: p}}
			byCompany[r.CompanyName] = a
		}
		a.sum = a.sum.Add(p)
		a.summary.Samples++
		if p.LessThan(a.summary.Min) {
			a.summary.Min = p
		}
		if p.GreaterThan(a.summary.Max) {
			a.summary.Max = p
		}
	}

	out := make([]CompanySummary, 0, len(byCompany))
	for _, a := range byCompany {
		a.summary.Avg = a.sum.Div(decimal.NewFromInt(int64(a.summary.Samples))).Round(2)
		out = append(out, a.summary)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Company < out[j].Company })
	return out
}

// WriteHistory writes a workbook with one row per snapshot and a per-company
// summary sheet.
func WriteHistory(w io.Writer, route models.Route, rows []models.PriceHistory) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", HistorySheet); err != nil {
		return err
	}
	if err := f.SetSheetRow(HistorySheet, "A1", &historyHeaders); err != nil {
		return err
	}
	for i, r := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		row := []interface{}{
			r.RecordedAt.UTC().Format("2006-01-02 15:04:05"),
			r.DepartureDate,
			r.DaysBeforeDeparture,
			r.CompanyName,
			r.ObiletJourneyID,
			floatOrBlank(r.Price),
			r.Currency,
			r.AvailableSeats,
			intOrBlank(r.TotalSeats),
			floatOrBlank(r.OccupancyRate),
		}
		if err := f.SetSheetRow(HistorySheet, cell, &row); err != nil {
			return fmt.Errorf("write history row %d: %w", i+2, err)
		}
	}

	if _, err := f.NewSheet(SummarySheet); err != nil {
		return err
	}
	if err := f.SetCellValue(SummarySheet, "A1", route.DisplayName()); err != nil {
		return err
	}
	if err := f.SetSheetRow(SummarySheet, "A3", &summaryHeaders); err != nil {
		return err
	}
	for i, s := range Summarize(rows) {
		cell, err := excelize.CoordinatesToCellName(1, i+4)
		if err != nil {
			return err
		}
		row := []interface{}{
			s.Company,
			s.Samples,
			s.Min.InexactFloat64(),
			s.Max.InexactFloat64(),
			s.Avg.InexactFloat64(),
			s.Currency,
		}
		if err := f.SetSheetRow(SummarySheet, cell, &row); err != nil {
			return fmt.Errorf("write summary row: %w", err)
		}
	}

	return f.Write(w)
}

func floatOrBlank(v *float64) interface{} {
	if v == nil {
		return ""
	}
	return *v
}

func intOrBlank(v *int) interface{} {
	if v == nil {
		return ""
	}
	return *v
}
