package checkpoint

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"

	"github.com/vk/todrace/internal/model"
)

var propertyHeader = []string{"tx_a", "tx_b", "gain_loss", "gain_loss_approx", "securify_a", "securify_b", "erc20_approval"}

// WriteProperties writes the property report table. Only complete reports
// are accepted; the all-or-nothing policy is enforced by the stage, and
// passing an incomplete report here is a programmer error.
func WriteProperties(path string, reports []model.PropertyReport) error {
	staged, err := newAtomicFile(path)
	if err != nil {
		return err
	}

	w := csv.NewWriter(staged.file)
	if err := w.Write(propertyHeader); err != nil {
		staged.Discard()
		return err
	}
	for _, r := range reports {
		if !r.Complete() {
			staged.Discard()
			return fmt.Errorf("refusing to write incomplete property report for %s", r.Pair.ID())
		}
		row := []string{
			string(r.Pair.TxA),
			string(r.Pair.TxB),
			*r.GainLoss,
			*r.GainLossApprox,
			strconv.FormatBool(*r.SecurifyA),
			strconv.FormatBool(*r.SecurifyB),
			strconv.FormatBool(*r.ERC20Approval),
		}
		if err := w.Write(row); err != nil {
			staged.Discard()
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		staged.Discard()
		return err
	}
	return staged.Commit()
}

// ReadProperties loads a property report checkpoint.
func ReadProperties(path string) ([]model.PropertyReport, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open properties checkpoint: %w", err)
	}
	defer file.Close()

	records, err := csv.NewReader(file).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read properties checkpoint %s: %w", path, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("properties checkpoint %s has no header row", path)
	}
	cols, err := columnIndex(records[0], propertyHeader...)
	if err != nil {
		return nil, fmt.Errorf("properties checkpoint %s: %w", path, err)
	}

	reports := make([]model.PropertyReport, 0, len(records)-1)
	for _, rec := range records[1:] {
		securifyA, err := strconv.ParseBool(rec[cols["securify_a"]])
		if err != nil {
			return nil, fmt.Errorf("properties checkpoint %s: %w", path, err)
		}
		securifyB, err := strconv.ParseBool(rec[cols["securify_b"]])
		if err != nil {
			return nil, fmt.Errorf("properties checkpoint %s: %w", path, err)
		}
		approval, err := strconv.ParseBool(rec[cols["erc20_approval"]])
		if err != nil {
			return nil, fmt.Errorf("properties checkpoint %s: %w", path, err)
		}
		gainLoss := rec[cols["gain_loss"]]
		gainLossApprox := rec[cols["gain_loss_approx"]]
		reports = append(reports, model.PropertyReport{
			Pair:           model.CandidatePair{TxA: model.Hash(rec[cols["tx_a"]]), TxB: model.Hash(rec[cols["tx_b"]])},
			GainLoss:       &gainLoss,
			GainLossApprox: &gainLossApprox,
			SecurifyA:      &securifyA,
			SecurifyB:      &securifyB,
			ERC20Approval:  &approval,
		})
	}
	return reports, nil
}
