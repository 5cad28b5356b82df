// Package intake turns uploaded files into item inputs for a bulk submission.
package intake

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"os"
	"path/filepath"
	"strings"

	"github.com/jo-hoe/bulkgen/internal/jobs"
)

// ErrInvalidFile is wrapped by every error caused by the uploaded content itself.
var ErrInvalidFile = errors.New("invalid item file")

var allowedCSVMimes = map[string]struct{}{
	"text/csv":                 {},
	"text/plain":               {},
	"application/csv":          {},
	"application/vnd.ms-excel": {},
}

// header aliases, lower-cased and trimmed
var columnAliases = map[string]string{
	"name":         "name",
	"product":      "name",
	"product_name": "name",
	"productname":  "name",
	"title":        "name",
	"features":     "features",
	"feature":      "features",
	"description":  "features",
	"platform":     "platform",
	"marketplace":  "platform",
	"channel":      "platform",
}

// ParseCSV reads a header row followed by one item per row. Only the name column is required.
// Blank rows are skipped.
func ParseCSV(r io.Reader) ([]jobs.ItemInput, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: empty csv", ErrInvalidFile)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read header: %v", ErrInvalidFile, err)
	}
	cols := map[string]int{}
	for i, h := range header {
		key := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		if canon, ok := columnAliases[key]; ok {
			if _, dup := cols[canon]; !dup {
				cols[canon] = i
			}
		}
	}
	if _, ok := cols["name"]; !ok {
		return nil, fmt.Errorf("%w: header has no name column", ErrInvalidFile)
	}

	var out []jobs.ItemInput
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrInvalidFile, line, err)
		}
		if blank(rec) {
			continue
		}
		out = append(out, jobs.ItemInput{
			Name:     field(rec, cols, "name"),
			Features: field(rec, cols, "features"),
			Platform: field(rec, cols, "platform"),
		})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no rows", ErrInvalidFile)
	}
	return out, nil
}

// FromMultipart validates the uploaded file type and parses it as CSV, reading at most maxBytes.
func FromMultipart(fh *multipart.FileHeader, maxBytes int64) ([]jobs.ItemInput, error) {
	if fh == nil {
		return nil, fmt.Errorf("%w: no file provided", ErrInvalidFile)
	}
	mimeType := fh.Header.Get("Content-Type")
	// Clients often send octet-stream for uploads; fall back to the extension.
	if mimeType == "" || strings.EqualFold(strings.TrimSpace(mimeType), "application/octet-stream") {
		ext := strings.ToLower(filepath.Ext(fh.Filename))
		if ext == ".csv" {
			mimeType = "text/csv"
		} else {
			mimeType = mime.TypeByExtension(ext)
		}
	}
	if !isAllowedCSVMime(mimeType) {
		return nil, fmt.Errorf("%w: unsupported content type: %s", ErrInvalidFile, mimeType)
	}

	src, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("open uploaded file: %w", err)
	}
	defer func() { _ = src.Close() }()

	var r io.Reader = src
	if maxBytes > 0 {
		r = io.LimitReader(src, maxBytes)
	}
	return ParseCSV(r)
}

// ReadFile loads items from a .csv file or a .json array of {name, features, platform}.
func ReadFile(path string) ([]jobs.ItemInput, error) {
	f, err := os.Open(filepath.Clean(path)) // #nosec G304 - user-supplied input file is expected
	if err != nil {
		return nil, fmt.Errorf("open items file: %w", err)
	}
	defer func() { _ = f.Close() }()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return ParseCSV(f)
	case ".json":
		var items []jobs.ItemInput
		if err := json.NewDecoder(f).Decode(&items); err != nil {
			return nil, fmt.Errorf("%w: decode json: %v", ErrInvalidFile, err)
		}
		return items, nil
	default:
		return nil, fmt.Errorf("%w: unsupported extension %q", ErrInvalidFile, filepath.Ext(path))
	}
}

func isAllowedCSVMime(mimeType string) bool {
	mt, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		mt = mimeType
	}
	_, ok := allowedCSVMimes[strings.ToLower(strings.TrimSpace(mt))]
	return ok
}

func field(rec []string, cols map[string]int, name string) string {
	i, ok := cols[name]
	if !ok || i >= len(rec) {
		return ""
	}
	return strings.TrimSpace(rec[i])
}

func blank(rec []string) bool {
	for _, v := range rec {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
