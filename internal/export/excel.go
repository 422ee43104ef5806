// Package export renders a completed run as an RFI workbook: one sheet
// with the answers color-coded by confidence, one with a legend,
// completion stats, and the sources used.
package export

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/bellwether-tech/rfi-cli/internal/model"
)

const missingPlaceholder = "— Not found —"

// Confidence to cell fill color (ARGB).
var confidenceFills = map[model.Confidence]string{
	model.ConfidenceHigh:    "FFC6EFCE",
	model.ConfidenceMedium:  "FFFFEB9C",
	model.ConfidenceLow:     "FFFFC7CE",
	model.ConfidenceMissing: "FFD9D9D9",
}

var confidenceFonts = map[model.Confidence]string{
	model.ConfidenceHigh:    "FF006100",
	model.ConfidenceMedium:  "FF9C5700",
	model.ConfidenceLow:     "FF9C0006",
	model.ConfidenceMissing: "FF808080",
}

var confidenceLegend = []struct {
	Confidence model.Confidence
	Desc       string
}{
	{model.ConfidenceHigh, "High — explicitly stated with specific details"},
	{model.ConfidenceMedium, "Medium — mentioned but vague, or inferred from context"},
	{model.ConfidenceLow, "Low — indirect reference, educated guess"},
	{model.ConfidenceMissing, "Missing — not found in any source"},
}

// WriteWorkbook writes the run's answers to an xlsx file at path.
func WriteWorkbook(run *model.Run, path string) error {
	f := xlsx.NewFile()

	if err := addAnswerSheet(f, run); err != nil {
		return err
	}
	if err := addMetadataSheet(f, run); err != nil {
		return err
	}

	if err := f.Save(path); err != nil {
		return eris.Wrapf(err, "export: save workbook %s", path)
	}
	return nil
}

func answerStyle(conf model.Confidence) *xlsx.Style {
	style := xlsx.NewStyle()
	style.Fill = *xlsx.NewFill("solid", confidenceFills[conf], "FF000000")
	style.ApplyFill = true
	style.Font.Color = confidenceFonts[conf]
	if conf == model.ConfidenceMissing {
		style.Font.Italic = true
	}
	style.ApplyFont = true
	style.Alignment.WrapText = true
	style.Alignment.Vertical = "top"
	style.ApplyAlignment = true
	return style
}

func addAnswerSheet(f *xlsx.File, run *model.Run) error {
	sheet, err := f.AddSheet("RFI")
	if err != nil {
		return eris.Wrap(err, "export: add answer sheet")
	}

	header := sheet.AddRow()
	for _, h := range []string{"Question", "Response", "Notes"} {
		cell := header.AddCell()
		cell.SetString(h)
		style := xlsx.NewStyle()
		style.Font.Bold = true
		style.ApplyFont = true
		cell.SetStyle(style)
	}

	for _, a := range run.Answers.Ordered() {
		row := sheet.AddRow()
		row.AddCell().SetString(a.Question)

		response := row.AddCell()
		if a.Filled() {
			response.SetString(*a.Answer)
		} else {
			response.SetString(missingPlaceholder)
		}
		response.SetStyle(answerStyle(a.Confidence))

		row.AddCell().SetString(answerNotes(a))
	}

	sheet.SetColWidth(0, 0, 60)
	sheet.SetColWidth(1, 2, 50)
	return nil
}

// answerNotes summarizes provenance for the notes column.
func answerNotes(a model.FinalAnswer) string {
	var parts []string
	if a.Source != "" {
		parts = append(parts, "Source: "+a.Source)
	}
	if a.Evidence != "" {
		parts = append(parts, fmt.Sprintf("Evidence: %q", a.Evidence))
	}
	if a.Conflicting && a.Alternate != nil {
		parts = append(parts, fmt.Sprintf("Conflict: %q (%s, %s)",
			a.Alternate.Answer, a.Alternate.Confidence, a.Alternate.Source))
	}
	return strings.Join(parts, "\n")
}

func addMetadataSheet(f *xlsx.File, run *model.Run) error {
	sheet, err := f.AddSheet("Metadata")
	if err != nil {
		return eris.Wrap(err, "export: add metadata sheet")
	}

	bold := xlsx.NewStyle()
	bold.Font.Bold = true
	bold.ApplyFont = true

	title := sheet.AddRow().AddCell()
	title.SetString("RFI Autofill — Generation Report")
	title.SetStyle(bold)
	sheet.AddRow().AddCell().SetString("Company: " + run.CompanyName)
	sheet.AddRow()

	legendHeader := sheet.AddRow().AddCell()
	legendHeader.SetString("Confidence Legend")
	legendHeader.SetStyle(bold)
	for _, l := range confidenceLegend {
		row := sheet.AddRow()
		cell := row.AddCell()
		cell.SetString(strings.ToUpper(string(l.Confidence)[:1]) + string(l.Confidence)[1:])
		cell.SetStyle(answerStyle(l.Confidence))
		row.AddCell().SetString(l.Desc)
	}
	sheet.AddRow()

	statsHeader := sheet.AddRow().AddCell()
	statsHeader.SetString("Completion Stats")
	statsHeader.SetStyle(bold)
	stats := run.Stats
	if stats == nil {
		s := run.Answers.Stats()
		stats = &s
	}
	sheet.AddRow().AddCell().SetString(fmt.Sprintf("Total fields: %d", stats.TotalFields))
	sheet.AddRow().AddCell().SetString(fmt.Sprintf("Filled: %d", stats.Filled))
	sheet.AddRow().AddCell().SetString(fmt.Sprintf("Conflicting: %d", stats.Conflicting))
	sheet.AddRow().AddCell().SetString(fmt.Sprintf("Completion: %.1f%%", stats.CompletionPct))
	sheet.AddRow()

	srcHeader := sheet.AddRow().AddCell()
	srcHeader.SetString("Sources")
	srcHeader.SetStyle(bold)
	for _, src := range usedSources(run) {
		sheet.AddRow().AddCell().SetString(src)
	}

	sheet.SetColWidth(0, 0, 40)
	sheet.SetColWidth(1, 1, 60)
	return nil
}

func usedSources(run *model.Run) []string {
	seen := map[string]bool{}
	for _, a := range run.Answers {
		if a.Source != "" {
			seen[a.Source] = true
		}
	}
	sources := make([]string, 0, len(seen))
	for s := range seen {
		sources = append(sources, s)
	}
	sort.Strings(sources)
	return sources
}
