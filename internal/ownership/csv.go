package ownership

import (
	"database/sql"
	"encoding/csv"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/parcelmap/parcelmap-go/internal/models"
)

// ChangeSet buckets one change-only file into the order it must be applied:
// deletions first, then additions.
type ChangeSet struct {
	Additions []*models.Ownership
	Deletions []string // title numbers
	// Skipped counts rows dropped for a missing change indicator.
	Skipped int
}

// columnIndex maps the header names this parser relies on to positions.
// The publisher occasionally reorders columns, so positions are resolved
// from the header row rather than hard-coded.
type columnIndex struct {
	titleNo, tenure, address, postcode, dateAdded, changeIndicator int
	proprietor, company, category                                  [4]int
	propAddress                                                    [4][3]int
}

func resolveColumns(header []string) (columnIndex, error) {
	idx := columnIndex{titleNo: -1, tenure: -1, address: -1, postcode: -1, dateAdded: -1, changeIndicator: -1}
	for i := range idx.proprietor {
		idx.proprietor[i], idx.company[i], idx.category[i] = -1, -1, -1
		for j := range idx.propAddress[i] {
			idx.propAddress[i][j] = -1
		}
	}

	for i, name := range header {
		name = strings.TrimSpace(name)
		switch name {
		case "Title Number":
			idx.titleNo = i
		case "Tenure":
			idx.tenure = i
		case "Property Address":
			idx.address = i
		case "Postcode":
			idx.postcode = i
		case "Date Proprietor Added":
			idx.dateAdded = i
		case "Change Indicator":
			idx.changeIndicator = i
		}
		for p := 1; p <= 4; p++ {
			switch name {
			case fmt.Sprintf("Proprietor Name (%d)", p):
				idx.proprietor[p-1] = i
			case fmt.Sprintf("Company Registration No. (%d)", p):
				idx.company[p-1] = i
			case fmt.Sprintf("Proprietorship Category (%d)", p):
				idx.category[p-1] = i
			}
			for a := 1; a <= 3; a++ {
				if name == fmt.Sprintf("Proprietor (%d) Address (%d)", p, a) {
					idx.propAddress[p-1][a-1] = i
				}
			}
		}
	}

	if idx.titleNo < 0 {
		return idx, fmt.Errorf("header missing Title Number column")
	}
	return idx, nil
}

func field(record []string, i int) string {
	if i < 0 || i >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[i])
}

// ParseChangeFile streams a CCOD/OCOD change-only CSV, bucketing rows into
// additions (indicator A) and deletions (indicator D). The trailing
// "Row Count:" sentinel and rows without a change indicator are dropped.
func ParseChangeFile(r io.Reader, ukBased bool) (*ChangeSet, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1 // the sentinel row is shorter than the data rows

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read change-file header: %w", err)
	}
	idx, err := resolveColumns(header)
	if err != nil {
		return nil, fmt.Errorf("resolve change-file columns: %w", err)
	}
	if idx.changeIndicator < 0 {
		return nil, fmt.Errorf("change file has no Change Indicator column")
	}

	set := &ChangeSet{}
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read change-file row: %w", err)
		}
		if isRowCountSentinel(record) {
			continue
		}

		switch field(record, idx.changeIndicator) {
		case "A":
			set.Additions = append(set.Additions, parseOwnership(record, idx, ukBased))
		case "D":
			set.Deletions = append(set.Deletions, field(record, idx.titleNo))
		default:
			set.Skipped++
		}
	}
	return set, nil
}

// ParseSnapshot streams a full monthly snapshot, which has no change
// indicators: every row is an ownership. The handler is invoked per chunk so
// the whole file never sits in memory.
func ParseSnapshot(r io.Reader, ukBased bool, chunkSize int, flush func([]*models.Ownership) error) (int, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return 0, fmt.Errorf("read snapshot header: %w", err)
	}
	idx, err := resolveColumns(header)
	if err != nil {
		return 0, fmt.Errorf("resolve snapshot columns: %w", err)
	}

	total := 0
	chunk := make([]*models.Ownership, 0, chunkSize)
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return total, fmt.Errorf("read snapshot row: %w", err)
		}
		if isRowCountSentinel(record) {
			continue
		}
		if field(record, idx.titleNo) == "" {
			continue
		}

		chunk = append(chunk, parseOwnership(record, idx, ukBased))
		if len(chunk) >= chunkSize {
			if err := flush(chunk); err != nil {
				return total, err
			}
			total += len(chunk)
			chunk = chunk[:0]
		}
	}
	if len(chunk) > 0 {
		if err := flush(chunk); err != nil {
			return total, err
		}
		total += len(chunk)
	}
	return total, nil
}

func isRowCountSentinel(record []string) bool {
	return len(record) > 0 && strings.HasPrefix(strings.TrimSpace(record[0]), "Row Count")
}

func parseOwnership(record []string, idx columnIndex, ukBased bool) *models.Ownership {
	o := &models.Ownership{
		TitleNo:         field(record, idx.titleNo),
		Tenure:          field(record, idx.tenure),
		PropertyAddress: field(record, idx.address),
		Postcode:        field(record, idx.postcode),
		UKBased:         ukBased,
	}

	if raw := field(record, idx.dateAdded); raw != "" {
		// The publisher has used both day-first and ISO forms.
		for _, layout := range []string{"02-01-2006", "2006-01-02", "02/01/2006"} {
			if t, err := time.Parse(layout, raw); err == nil {
				o.DateProprietorAdded = sql.NullTime{Time: t, Valid: true}
				break
			}
		}
	}

	for p := 0; p < 4; p++ {
		o.Proprietors[p] = models.Proprietor{
			Name:          field(record, idx.proprietor[p]),
			CompanyNumber: field(record, idx.company[p]),
			Category:      field(record, idx.category[p]),
			Address1:      field(record, idx.propAddress[p][0]),
			Address2:      field(record, idx.propAddress[p][1]),
			Address3:      field(record, idx.propAddress[p][2]),
		}
	}
	return o
}
