// Package csvparser turns a recipient CSV upload into bulk email jobs.
package csvparser

import (
	"io"
	"strings"

	"SendLane/internal/models"
)

// Template is the message every row of a bulk upload shares. Subject,
// HTML and Text may reference columns as {{Column}}.
type Template struct {
	From             string
	Subject          string
	HTML             string
	Text             string
	AccountID        string
	AccountAgeInDays *int
	Tags             []string
}

type Batch struct {
	Jobs    []*models.EmailJob
	Skipped int
}

// Parse reads recipients from r and builds one low-priority job per row.
// Jobs are not validated here; invalid rows are rejected when processed.
func Parse(r io.Reader, tmpl Template, maxRows int) (Batch, error) {
	rows, skipped, err := ParseRecipientRows(r, maxRows)
	if err != nil {
		return Batch{Skipped: skipped}, err
	}

	jobs := make([]*models.EmailJob, 0, len(rows))
	for _, row := range rows {
		fill := replacer(row)

		jobs = append(jobs, models.CreateEmailJob(models.NewEmailJob{
			To:               row.Email,
			From:             tmpl.From,
			Subject:          fill.Replace(tmpl.Subject),
			HTML:             fill.Replace(tmpl.HTML),
			Text:             fill.Replace(tmpl.Text),
			AccountID:        tmpl.AccountID,
			AccountAgeInDays: tmpl.AccountAgeInDays,
			Priority:         models.PriorityLow,
			Tags:             append([]string{"bulk"}, tmpl.Tags...),
			Metadata:         row.Fields,
		}, models.WithDefaultBody()))
	}

	return Batch{Jobs: jobs, Skipped: skipped}, nil
}

func replacer(row RecipientRow) *strings.Replacer {
	pairs := make([]string, 0, 2*(len(row.Fields)+1))
	pairs = append(pairs, "{{Email}}", row.Email)
	for k, v := range row.Fields {
		pairs = append(pairs, "{{"+k+"}}", v)
	}
	return strings.NewReplacer(pairs...)
}
