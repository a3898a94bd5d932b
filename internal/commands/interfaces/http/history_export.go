package http

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/xuri/excelize/v2"

	commandsapp "mdm-cloud/internal/commands/application"
	"mdm-cloud/internal/observability/metrics"
)

const timeLayout = time.RFC3339

// ExportHandler serves command history exports.
type ExportHandler struct {
	service *commandsapp.Service
}

// NewExportHandler constructs an export handler.
func NewExportHandler(service *commandsapp.Service) (*ExportHandler, error) {
	if service == nil {
		return nil, errors.New("export handler: nil service")
	}
	return &ExportHandler{service: service}, nil
}

// ServeHTTP handles GET /api/v1/exports/commands.{csv,xlsx,pdf}.
func (h *ExportHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var format string
	switch r.URL.Path {
	case "/api/v1/exports/commands.csv":
		format = "csv"
	case "/api/v1/exports/commands.xlsx":
		format = "xlsx"
	case "/api/v1/exports/commands.pdf":
		format = "pdf"
	default:
		http.Error(w, "unknown export", http.StatusNotFound)
		return
	}

	udid := r.URL.Query().Get("udid")
	if udid == "" {
		http.Error(w, "udid is required", http.StatusBadRequest)
		return
	}
	from, err := parseTimeQuery(r, "from")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	to, err := parseTimeQuery(r, "to")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !to.After(from) {
		http.Error(w, "to must be after from", http.StatusBadRequest)
		return
	}

	started := time.Now()
	list, err := h.service.History(r.Context(), udid, from, to)
	if err != nil {
		metrics.ObserveHistoryExport(format, metrics.ResultError, time.Since(started))
		http.Error(w, "query history error", http.StatusInternalServerError)
		return
	}

	switch format {
	case "csv":
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		writeHistoryCSV(w, udid, list)
	case "xlsx":
		data, err := BuildHistoryXLSX(udid, list)
		if err != nil {
			metrics.ObserveHistoryExport(format, metrics.ResultError, time.Since(started))
			http.Error(w, "render xlsx error", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		_, _ = w.Write(data)
	case "pdf":
		data, err := BuildHistoryPDF(udid, list)
		if err != nil {
			metrics.ObserveHistoryExport(format, metrics.ResultError, time.Since(started))
			http.Error(w, "render pdf error", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/pdf")
		_, _ = w.Write(data)
	}
	metrics.ObserveHistoryExport(format, metrics.ResultSuccess, time.Since(started))
}

func writeHistoryCSV(w http.ResponseWriter, udid string, list []commandsapp.CommandView) {
	writer := csv.NewWriter(w)
	_ = writer.Write([]string{
		"command_uuid",
		"device_udid",
		"request_type",
		"status",
		"queued_at",
		"sent_at",
		"ttl",
		"error",
	})
	for _, view := range list {
		sentAt := ""
		if view.SentAt != nil {
			sentAt = view.SentAt.Format(timeLayout)
		}
		_ = writer.Write([]string{
			view.CommandUUID,
			udid,
			view.RequestType,
			view.Status,
			view.QueuedAt.Format(timeLayout),
			sentAt,
			fmt.Sprintf("%d", view.TTL),
			view.Error,
		})
	}
	writer.Flush()
}

// BuildHistoryXLSX renders a minimal XLSX for a device's command history.
func BuildHistoryXLSX(udid string, list []commandsapp.CommandView) ([]byte, error) {
	f := excelize.NewFile()
	summarySheet := "summary"
	itemsSheet := "commands"
	f.SetSheetName("Sheet1", summarySheet)
	f.NewSheet(itemsSheet)

	_ = f.SetCellValue(summarySheet, "A1", "Command History")
	_ = f.SetCellValue(summarySheet, "A3", "Device")
	_ = f.SetCellValue(summarySheet, "B3", udid)
	_ = f.SetCellValue(summarySheet, "A4", "Commands")
	_ = f.SetCellValue(summarySheet, "B4", len(list))

	_ = f.SetCellValue(itemsSheet, "A1", "UUID")
	_ = f.SetCellValue(itemsSheet, "B1", "Request Type")
	_ = f.SetCellValue(itemsSheet, "C1", "Status")
	_ = f.SetCellValue(itemsSheet, "D1", "Queued At")
	_ = f.SetCellValue(itemsSheet, "E1", "TTL")
	_ = f.SetCellValue(itemsSheet, "F1", "Error")
	for i, view := range list {
		row := i + 2
		_ = f.SetCellValue(itemsSheet, fmt.Sprintf("A%d", row), view.CommandUUID)
		_ = f.SetCellValue(itemsSheet, fmt.Sprintf("B%d", row), view.RequestType)
		_ = f.SetCellValue(itemsSheet, fmt.Sprintf("C%d", row), view.Status)
		_ = f.SetCellValue(itemsSheet, fmt.Sprintf("D%d", row), view.QueuedAt.Format(timeLayout))
		_ = f.SetCellValue(itemsSheet, fmt.Sprintf("E%d", row), view.TTL)
		_ = f.SetCellValue(itemsSheet, fmt.Sprintf("F%d", row), view.Error)
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BuildHistoryPDF renders a minimal PDF for a device's command history.
func BuildHistoryPDF(udid string, list []commandsapp.CommandView) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetFont("Arial", "", 12)
	pdf.AddPage()

	pdf.Cell(0, 8, "Command History")
	pdf.Ln(10)
	pdf.SetFont("Arial", "", 10)
	pdf.Cell(0, 6, fmt.Sprintf("Device: %s", udid))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Commands: %d", len(list)))
	pdf.Ln(8)

	pdf.SetFont("Arial", "B", 9)
	pdf.CellFormat(60, 6, "UUID", "1", 0, "C", false, 0, "")
	pdf.CellFormat(45, 6, "Request Type", "1", 0, "C", false, 0, "")
	pdf.CellFormat(30, 6, "Status", "1", 0, "C", false, 0, "")
	pdf.CellFormat(45, 6, "Queued At", "1", 0, "C", false, 0, "")
	pdf.Ln(-1)
	pdf.SetFont("Arial", "", 8)
	for _, view := range list {
		pdf.CellFormat(60, 6, view.CommandUUID, "1", 0, "L", false, 0, "")
		pdf.CellFormat(45, 6, view.RequestType, "1", 0, "L", false, 0, "")
		pdf.CellFormat(30, 6, view.Status, "1", 0, "C", false, 0, "")
		pdf.CellFormat(45, 6, view.QueuedAt.Format("2006-01-02 15:04"), "1", 0, "C", false, 0, "")
		pdf.Ln(-1)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func parseTimeQuery(r *http.Request, key string) (time.Time, error) {
	value := r.URL.Query().Get(key)
	if value == "" {
		return time.Time{}, fmt.Errorf("%s is required", key)
	}
	parsed, err := time.Parse(timeLayout, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s must be RFC3339", key)
	}
	return parsed, nil
}
