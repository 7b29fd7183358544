package ownership

import (
	"encoding/csv"
	"strings"
	"testing"

	"github.com/parcelmap/parcelmap-go/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var changeHeader = []string{
	"Title Number", "Tenure", "Property Address", "District", "County", "Region",
	"Postcode", "Multiple Address Indicator", "Price Paid",
	"Proprietor Name (1)", "Company Registration No. (1)", "Proprietorship Category (1)",
	"Proprietor (1) Address (1)", "Proprietor (1) Address (2)", "Proprietor (1) Address (3)",
	"Proprietor Name (2)", "Company Registration No. (2)", "Proprietorship Category (2)",
	"Proprietor (2) Address (1)", "Proprietor (2) Address (2)", "Proprietor (2) Address (3)",
	"Date Proprietor Added", "Additional Proprietor Indicator", "Change Indicator", "Change Date",
}

// changeRow builds a full-width record with the named columns set.
func changeRow(t *testing.T, fields map[string]string) []string {
	t.Helper()
	row := make([]string, len(changeHeader))
	for name, value := range fields {
		found := false
		for i, h := range changeHeader {
			if h == name {
				row[i] = value
				found = true
				break
			}
		}
		require.True(t, found, "unknown column %s", name)
	}
	return row
}

func renderCSV(t *testing.T, rows [][]string, sentinel bool) string {
	t.Helper()
	var sb strings.Builder
	w := csv.NewWriter(&sb)
	require.NoError(t, w.WriteAll(rows))
	w.Flush()
	if sentinel {
		sb.WriteString("Row Count: 3\n")
	}
	return sb.String()
}

func TestParseChangeFile(t *testing.T) {
	rows := [][]string{
		changeHeader,
		changeRow(t, map[string]string{
			"Title Number":                 "AB12345",
			"Tenure":                       "Freehold",
			"Property Address":             "1 High Street, Exampleton",
			"Postcode":                     "EX1 2MP",
			"Proprietor Name (1)":          "ACME HOLDINGS LIMITED",
			"Company Registration No. (1)": "01234567",
			"Proprietorship Category (1)":  "Limited Company or Public Limited Company",
			"Proprietor (1) Address (1)":   "1 High Street, Exampleton",
			"Date Proprietor Added":        "02-01-2006",
			"Change Indicator":             "A",
		}),
		changeRow(t, map[string]string{
			"Title Number":     "CD67890",
			"Tenure":           "Leasehold",
			"Change Indicator": "D",
		}),
		changeRow(t, map[string]string{
			"Title Number": "EF00001",
			"Tenure":       "Freehold",
			// No change indicator: the row is dropped and counted.
		}),
	}

	set, err := ParseChangeFile(strings.NewReader(renderCSV(t, rows, true)), true)
	require.NoError(t, err)

	require.Len(t, set.Additions, 1)
	add := set.Additions[0]
	assert.Equal(t, "AB12345", add.TitleNo)
	assert.Equal(t, "Freehold", add.Tenure)
	assert.Equal(t, "1 High Street, Exampleton", add.PropertyAddress)
	assert.Equal(t, "EX1 2MP", add.Postcode)
	assert.True(t, add.UKBased)
	assert.Equal(t, "ACME HOLDINGS LIMITED", add.Proprietors[0].Name)
	assert.Equal(t, "01234567", add.Proprietors[0].CompanyNumber)
	assert.Empty(t, add.Proprietors[1].Name)
	require.True(t, add.DateProprietorAdded.Valid)
	assert.Equal(t, 2006, add.DateProprietorAdded.Time.Year())

	assert.Equal(t, []string{"CD67890"}, set.Deletions)
	assert.Equal(t, 1, set.Skipped)
}

func TestParseChangeFile_ReorderedColumns(t *testing.T) {
	// The publisher occasionally reorders columns; positions come from the
	// header, not fixed offsets.
	data := "Change Indicator,Title Number,Proprietor Name (1),Tenure\n" +
		"A,ZZ99999,REORDERED ESTATES LIMITED,Freehold\n"

	set, err := ParseChangeFile(strings.NewReader(data), false)
	require.NoError(t, err)
	require.Len(t, set.Additions, 1)
	assert.Equal(t, "ZZ99999", set.Additions[0].TitleNo)
	assert.Equal(t, "REORDERED ESTATES LIMITED", set.Additions[0].Proprietors[0].Name)
	assert.False(t, set.Additions[0].UKBased)
}

func TestParseChangeFile_MissingIndicatorColumn(t *testing.T) {
	data := "Title Number,Tenure\nAB12345,Freehold\n"
	_, err := ParseChangeFile(strings.NewReader(data), true)
	assert.Error(t, err)
}

func TestParseSnapshot_Chunking(t *testing.T) {
	var sb strings.Builder
	sb.WriteString("Title Number,Tenure,Property Address,Postcode\n")
	for _, title := range []string{"TA", "TB", "TC", "TD", "TE"} {
		sb.WriteString(title + ",Freehold,Somewhere,EX1 1EX\n")
	}
	sb.WriteString("Row Count: 5\n")

	var flushes [][]*models.Ownership
	n, err := ParseSnapshot(strings.NewReader(sb.String()), true, 2, func(chunk []*models.Ownership) error {
		cp := make([]*models.Ownership, len(chunk))
		copy(cp, chunk)
		flushes = append(flushes, cp)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	require.Len(t, flushes, 3) // 2 + 2 + 1
	assert.Len(t, flushes[0], 2)
	assert.Len(t, flushes[2], 1)
	assert.Equal(t, "TA", flushes[0][0].TitleNo)
}

func TestParseSnapshot_DateLayouts(t *testing.T) {
	for _, raw := range []string{"25-03-2019", "2019-03-25", "25/03/2019"} {
		data := "Title Number,Date Proprietor Added\nAB1," + raw + "\n"
		var got []*models.Ownership
		_, err := ParseSnapshot(strings.NewReader(data), true, 10, func(chunk []*models.Ownership) error {
			got = append(got, chunk...)
			return nil
		})
		require.NoError(t, err)
		require.Len(t, got, 1)
		require.True(t, got[0].DateProprietorAdded.Valid, raw)
		assert.Equal(t, 25, got[0].DateProprietorAdded.Time.Day(), raw)
	}
}
