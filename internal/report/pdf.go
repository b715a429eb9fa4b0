package report

import (
	"fmt"
	"strings"

	"github.com/jung-kurt/gofpdf"
	"github.com/pkg/errors"
)

type pdfWriter struct {
	pdf *gofpdf.Fpdf
	tr  func(string) string
}

// Render writes data as a PDF to outputPath.
func Render(data *Data, outputPath string) error {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetAutoPageBreak(true, 15)
	w := &pdfWriter{pdf: pdf, tr: pdf.UnicodeTranslatorFromDescriptor("")}

	pdf.SetFooterFunc(w.footer)
	pdf.AddPage()

	w.header(data)
	pdf.Ln(6)

	if data.Narrative != "" {
		w.h2("Summary")
		for _, para := range strings.Split(data.Narrative, "\n") {
			if para = strings.TrimSpace(para); para != "" {
				w.paragraph(para)
				pdf.Ln(2)
			}
		}
	}

	w.h2("Fleet")
	if data.Fleet == nil {
		w.paragraph("No sync has run since the service started, so node totals are not available.")
	} else {
		w.bullet(fmt.Sprintf("Nodes: %d", data.Fleet.Nodes))
		w.bullet(fmt.Sprintf("CPU cores: %d", data.Fleet.CPUCores))
		w.bullet(fmt.Sprintf("Memory: %.1f GiB", float64(data.Fleet.RAMBytes)/(1<<30)))
	}

	w.h2("Compliance by day")
	if len(data.Clusters) == 0 {
		w.paragraph(fmt.Sprintf("No history was recorded between %s and %s.", data.From, data.To))
	}
	for _, cluster := range data.Clusters {
		w.h3(cluster.Name)
		w.trendTable(cluster)
	}

	w.h2("Non-compliant namespaces")
	if len(data.NonCompliant) == 0 {
		w.paragraph("Every namespace is compliant.")
	}
	for _, ns := range data.NonCompliant {
		w.bullet(ns)
	}

	if err := pdf.OutputFileAndClose(outputPath); err != nil {
		return errors.Wrap(err, "failed to write PDF")
	}
	return nil
}

func (w *pdfWriter) header(data *Data) {
	w.pdf.SetFillColor(108, 98, 255)
	w.pdf.Rect(0, 0, 210, 45, "F")

	w.pdf.Ln(8)
	w.pdf.SetFont("Arial", "B", 24)
	w.pdf.SetTextColor(255, 255, 255)
	w.pdf.CellFormat(0, 12, "Kubernetes Posture Report", "", 1, "C", false, 0, "")

	w.pdf.SetFont("Arial", "", 12)
	w.pdf.CellFormat(0, 10, fmt.Sprintf("%s to %s", data.From, data.To), "", 1, "C", false, 0, "")

	w.pdf.Ln(8)
	w.pdf.SetFont("Arial", "I", 9)
	w.pdf.SetTextColor(120, 120, 120)
	generated := data.GeneratedAt.Format("Monday, January 2, 2006 at 15:04 MST")
	w.pdf.CellFormat(0, 6, "Generated: "+generated, "", 1, "C", false, 0, "")
}

func (w *pdfWriter) h2(text string) {
	w.pdf.Ln(4)

	currentY := w.pdf.GetY()
	w.pdf.SetFillColor(108, 98, 255)
	w.pdf.Rect(10, currentY, 3, 7, "F")

	w.pdf.SetX(15)
	w.pdf.SetFont("Arial", "B", 13)
	w.pdf.SetTextColor(0, 51, 102)
	w.pdf.MultiCell(0, 7, w.tr(text), "", "L", false)
	w.pdf.Ln(2)
}

func (w *pdfWriter) h3(text string) {
	w.pdf.Ln(3)

	currentY := w.pdf.GetY()
	w.pdf.SetDrawColor(200, 200, 200)
	w.pdf.Line(10, currentY, 10, currentY+6)

	w.pdf.SetX(12)
	w.pdf.SetFont("Arial", "B", 11)
	w.pdf.SetTextColor(40, 40, 40)
	w.pdf.MultiCell(0, 6, w.tr(text), "", "L", false)
	w.pdf.Ln(1)
}

func (w *pdfWriter) bullet(text string) {
	currentY := w.pdf.GetY()
	w.pdf.SetFillColor(108, 98, 255)
	w.pdf.Circle(13, currentY+2.5, 1, "F")

	w.pdf.SetX(16)
	w.pdf.SetFont("Arial", "", 10)
	w.pdf.SetTextColor(60, 60, 60)
	w.pdf.MultiCell(0, 5, w.tr(text), "", "L", false)
}

func (w *pdfWriter) paragraph(text string) {
	w.pdf.SetFont("Arial", "", 10)
	w.pdf.SetTextColor(60, 60, 60)
	w.pdf.MultiCell(0, 5, w.tr(text), "", "L", false)
}

func (w *pdfWriter) trendTable(cluster ClusterTrend) {
	widths := []float64{50, 60, 60}
	w.pdf.SetFont("Arial", "B", 9)
	w.pdf.SetFillColor(240, 245, 255)
	w.pdf.SetTextColor(0, 51, 102)
	for i, title := range []string{"Day", "Compliant namespaces", "Compliant pods"} {
		w.pdf.CellFormat(widths[i], 7, title, "1", 0, "C", true, 0, "")
	}
	w.pdf.Ln(-1)

	w.pdf.SetFont("Arial", "", 9)
	w.pdf.SetTextColor(40, 40, 40)
	for _, day := range cluster.Days {
		pods := "no pods"
		if day.HasPods {
			pods = fmt.Sprintf("%.0f%%", day.PodPct)
		}
		w.pdf.CellFormat(widths[0], 6, day.Day, "1", 0, "C", false, 0, "")
		w.pdf.CellFormat(widths[1], 6, fmt.Sprintf("%.0f%%", day.NamespacePct), "1", 0, "C", false, 0, "")
		w.pdf.CellFormat(widths[2], 6, pods, "1", 0, "C", false, 0, "")
		w.pdf.Ln(-1)
	}
}

func (w *pdfWriter) footer() {
	w.pdf.SetY(-15)
	w.pdf.SetFont("Arial", "I", 8)
	w.pdf.SetTextColor(150, 150, 150)
	w.pdf.CellFormat(0, 10, fmt.Sprintf("k8s-posture - page %d", w.pdf.PageNo()), "", 0, "C", false, 0, "")
}
