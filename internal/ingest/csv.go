package ingest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/lalith-99/insightops/internal/models"
	"github.com/lalith-99/insightops/internal/pipeline"
)

// MaxCSVRows bounds a single import.
const MaxCSVRows = 10000

var contentColumns = []string{"content", "raw_content", "feedback", "text"}

// ParseCSV reads a header row and one submission per data row. A content
// column is required; external_id, customer_email, customer_name and
// source_url are recognised; any other column lands in metadata.
func ParseCSV(r io.Reader, workspaceID uuid.UUID, integrationID *uuid.UUID) ([]Submission, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, pipeline.Invalid("file", "is empty")
	}
	if err != nil {
		return nil, pipeline.Invalid("file", err.Error())
	}

	columns := make(map[string]int, len(header))
	for i, name := range header {
		name = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))
		if _, dup := columns[name]; !dup {
			columns[name] = i
		}
	}

	contentIdx := -1
	for _, name := range contentColumns {
		if idx, ok := columns[name]; ok {
			contentIdx = idx
			break
		}
	}
	if contentIdx < 0 {
		return nil, pipeline.Invalid("file", "missing content column")
	}

	known := map[int]bool{contentIdx: true}
	lookup := func(name string) int {
		if idx, ok := columns[name]; ok {
			known[idx] = true
			return idx
		}
		return -1
	}
	externalIdx := lookup("external_id")
	emailIdx := lookup("customer_email")
	nameIdx := lookup("customer_name")
	urlIdx := lookup("source_url")

	subs := make([]Submission, 0)
	for line := 2; ; line++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, pipeline.Invalid("file", fmt.Sprintf("line %d: %v", line, err))
		}
		if len(subs) == MaxCSVRows {
			return nil, pipeline.Invalid("file", fmt.Sprintf("more than %d rows", MaxCSVRows))
		}

		sub := Submission{
			WorkspaceID:   workspaceID,
			IntegrationID: integrationID,
			SourceType:    models.SourceCSV,
			RawContent:    field(record, contentIdx),
			ExternalID:    optionalField(record, externalIdx),
			CustomerEmail: optionalField(record, emailIdx),
			CustomerName:  optionalField(record, nameIdx),
			SourceURL:     optionalField(record, urlIdx),
		}
		for i, value := range record {
			if known[i] || i >= len(header) || strings.TrimSpace(value) == "" {
				continue
			}
			if sub.Metadata == nil {
				sub.Metadata = map[string]any{}
			}
			sub.Metadata[strings.TrimSpace(header[i])] = value
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

func field(record []string, idx int) string {
	if idx < 0 || idx >= len(record) {
		return ""
	}
	return record[idx]
}

func optionalField(record []string, idx int) *string {
	v := strings.TrimSpace(field(record, idx))
	if v == "" {
		return nil
	}
	return &v
}
