package csvparser

import (
	"encoding/csv"
	"errors"
	"io"
	"strings"
)

var (
	ErrEmptyHeader   = errors.New("csv header row is empty")
	ErrNoEmailColumn = errors.New("csv must contain an Email column")
	ErrNoRows        = errors.New("csv must contain at least one data row")
)

// DefaultMaxRows caps a single upload.
const DefaultMaxRows = 1000

// RecipientRow is one recipient from the upload. Email comes from the
// "Email" column (case-insensitive); every other column lands in Fields.
type RecipientRow struct {
	Line   int
	Email  string
	Fields map[string]string
}

// ParseRecipientRows reads a header row followed by up to maxRows data
// rows. Rows with the wrong column count or an empty email are skipped and
// counted.
func ParseRecipientRows(r io.Reader, maxRows int) (rows []RecipientRow, skipped int, err error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	headers, err := reader.Read()
	if err == io.EOF {
		return nil, 0, ErrEmptyHeader
	}
	if err != nil {
		return nil, 0, err
	}

	emailIdx := -1
	normalized := make([]string, len(headers))
	for i, h := range headers {
		h = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		normalized[i] = h
		if strings.EqualFold(h, "email") {
			emailIdx = i
		}
	}
	if emailIdx == -1 {
		return nil, 0, ErrNoEmailColumn
	}

	if maxRows <= 0 {
		maxRows = DefaultMaxRows
	}

	rows = make([]RecipientRow, 0)
	for len(rows) < maxRows {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, skipped, err
		}
		line, _ := reader.FieldPos(0)

		if len(record) != len(headers) {
			skipped++
			continue
		}

		email := strings.TrimSpace(record[emailIdx])
		if email == "" {
			skipped++
			continue
		}

		fields := make(map[string]string, len(headers)-1)
		for i := range record {
			if i == emailIdx {
				continue
			}
			key := normalized[i]
			if key == "" {
				continue
			}
			fields[key] = strings.TrimSpace(record[i])
		}

		rows = append(rows, RecipientRow{
			Line:   line,
			Email:  email,
			Fields: fields,
		})
	}

	if len(rows) == 0 {
		return nil, skipped, ErrNoRows
	}

	return rows, skipped, nil
}
