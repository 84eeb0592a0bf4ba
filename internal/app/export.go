package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"waterfall-settlement/internal/settlement"
)

// Export renders an agreement's recovery history as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	defer closeStore()

	st, err := store.LoadState(ctx, opts.AgreementID)
	if err != nil {
		return err
	}

	recs, err := store.ListAgreementSettlements(ctx, opts.AgreementID)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		a.Logger.Info().Str("agreement_id", opts.AgreementID).Msg("no settlements found for export")
		return nil
	}

	downsampled := downsampleSettlements(recs, opts.MaxPoints)
	a.Logger.Info().Int("total", len(recs)).Int("exported", len(downsampled)).Msg("exporting settlements")

	if opts.CSVPath != "" {
		if err := writeSettlementsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		target := st.Target.InexactFloat64()
		if err := writeRecoveryPNG(opts.PNGPath, downsampled, target); err != nil {
			return err
		}
	}

	return nil
}

func downsampleSettlements(recs []settlement.Result, max int) []settlement.Result {
	if max <= 0 || len(recs) <= max {
		return recs
	}

	result := make([]settlement.Result, 0, max)
	step := float64(len(recs)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(recs) {
			idx = len(recs) - 1
		}
		result = append(result, recs[idx])
	}
	return result
}

func writeSettlementsCSV(path string, recs []settlement.Result) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"created_at", "source_tx_ref", "amount", "to_senior", "to_junior", "actual_to_senior", "actual_to_junior", "recovered_after", "discrepancy", "status", "error"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, rec := range recs {
		record := []string{
			rec.CreatedAt.UTC().Format(time.RFC3339),
			rec.SourceTxRef,
			rec.Plan.Amount.String(),
			rec.Plan.ToSenior.String(),
			rec.Plan.ToJunior.String(),
			rec.ActualToSenior.String(),
			rec.ActualToJunior.String(),
			rec.Plan.NewRecovered.String(),
			rec.Discrepancy.String(),
			string(rec.Status),
			rec.Error,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

func writeRecoveryPNG(path string, recs []settlement.Result, target float64) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(recs))
	recovered := make([]float64, len(recs))
	targetLine := make([]float64, len(recs))

	for i, rec := range recs {
		x[i] = rec.CreatedAt
		recovered[i] = rec.Plan.NewRecovered.InexactFloat64()
		targetLine[i] = target
	}

	xrpFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Recovered (XRP)",
			ValueFormatter: xrpFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Recovered",
				XValues: x,
				YValues: recovered,
			},
			chart.TimeSeries{
				Name:    "Target",
				XValues: x,
				YValues: targetLine,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
