package export

import (
	"fmt"
	"strings"
	"time"
)

// Format is a download format.
type Format string

const (
	CSV   Format = "csv"
	Excel Format = "excel"
	JSON  Format = "json"
)

// Formats lists the supported download formats.
var Formats = []Format{CSV, Excel, JSON}

// ParseFormat accepts csv, excel (or xlsx) and json, case-insensitively.
// An empty string selects CSV.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "csv":
		return CSV, nil
	case "excel", "xlsx":
		return Excel, nil
	case "json":
		return JSON, nil
	}
	return "", fmt.Errorf("unsupported format %q (want csv, excel or json)", s)
}

// Extension returns the file extension for the format.
func (f Format) Extension() string {
	if f == Excel {
		return "xlsx"
	}
	return string(f)
}

// ContentType returns the MIME type for the format.
func (f Format) ContentType() string {
	switch f {
	case Excel:
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case JSON:
		return "application/json"
	default:
		return "text/csv"
	}
}

// Result is a serialized report ready to be sent or stored.
type Result struct {
	Data        []byte
	Filename    string
	ContentType string
}

// Encode serializes t in the given format.
func Encode(t Table, f Format) ([]byte, error) {
	switch f {
	case CSV:
		return EncodeCSV(t)
	case Excel:
		return EncodeExcel(t)
	case JSON:
		return EncodeJSON(t)
	}
	return nil, fmt.Errorf("unsupported format %q", f)
}

// Render serializes t for download as report_<id>.<ext>.
func Render(t Table, f Format, jobID string) (*Result, error) {
	data, err := Encode(t, f)
	if err != nil {
		return nil, fmt.Errorf("export %s: %w", f, err)
	}
	return &Result{
		Data:        data,
		Filename:    DownloadName(jobID, f),
		ContentType: f.ContentType(),
	}, nil
}

// DownloadName is the attachment name of a downloaded report.
func DownloadName(jobID string, f Format) string {
	return fmt.Sprintf("report_%s.%s", jobID, f.Extension())
}

// FileName returns <reportType>_<YYYYMMDD_HHMMSS>.<ext>.
func FileName(reportType string, at time.Time, ext string) string {
	return fmt.Sprintf("%s_%s.%s", reportType, at.UTC().Format("20060102_150405"), ext)
}

// ResultKey is the storage key of a stored result envelope. The job id
// keeps keys of same-second jobs apart.
func ResultKey(jobID, reportType string, at time.Time) string {
	return "reports/" + jobID + "/" + FileName(reportType, at, "json")
}
