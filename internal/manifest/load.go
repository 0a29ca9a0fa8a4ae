package manifest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// Column headers of a delivery load file.
const (
	ColFilename     = "Filename"
	ColKey          = "API"
	ColDocumentType = "Document Type"
	ColDate         = "Date"
	ColDisplayName  = "Well Name"
	ColGroup        = "Field Name"
	ColTownship     = "Township"
	ColRange        = "Range"
	ColSection      = "Section"
)

// RequiredColumns lists every header a load file must carry.
var RequiredColumns = []string{
	ColFilename,
	ColKey,
	ColDocumentType,
	ColDate,
	ColDisplayName,
	ColGroup,
	ColTownship,
	ColRange,
	ColSection,
}

// ErrMissingColumn is matched when a load file lacks a required header.
var ErrMissingColumn = errors.New("missing header")

// LoadFile reads a CSV load file.
func LoadFile(path string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open load file: %w", err)
	}
	defer f.Close()

	records, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &Manifest{Path: path, Records: records}, nil
}

// Parse decodes CSV rows into records. Rows that are entirely blank are
// ignored; short rows leave trailing columns empty.
func Parse(r io.Reader) ([]Record, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	header, err := cr.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("load file is empty")
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	index := make(map[string]int, len(header))
	for i, h := range header {
		h = strings.TrimSpace(h)
		if i == 0 {
			h = strings.TrimPrefix(h, "\uFEFF")
		}
		index[h] = i
	}
	for _, col := range RequiredColumns {
		if _, ok := index[col]; !ok {
			return nil, fmt.Errorf("%w %q", ErrMissingColumn, col)
		}
	}

	var records []Record
	line := 1
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("read row %d: %w", line, err)
		}
		if blank(row) {
			continue
		}

		get := func(col string) string {
			i := index[col]
			if i >= len(row) {
				return ""
			}
			return strings.TrimSpace(row[i])
		}

		records = append(records, Record{
			Filename:     get(ColFilename),
			Group:        get(ColGroup),
			Key:          get(ColKey),
			DocumentType: get(ColDocumentType),
			DocumentDate: get(ColDate),
			Context: Context{
				Section:     get(ColSection),
				Township:    get(ColTownship),
				Range:       get(ColRange),
				DisplayName: get(ColDisplayName),
			},
		})
	}

	return records, nil
}

func blank(row []string) bool {
	for _, v := range row {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
