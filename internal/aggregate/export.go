package aggregate

import (
	"encoding/csv"
	"io"
	"strconv"

	"github.com/jszwec/csvutil"
	"github.com/rotisserie/eris"

	"github.com/sells-group/ip-patrol/internal/model"
)

// utf8BOM lets spreadsheet tools detect the encoding of Japanese names.
const utf8BOM = "\ufeff"

// exportRow is one line of the results export.
type exportRow struct {
	Name     string `csv:"name"`
	Risk     string `csv:"risk"`
	Critical string `csv:"critical"`
	Reason   string `csv:"reason"`
	Source   string `csv:"source"`
	ItemURL  string `csv:"item_url"`
	ImageURL string `csv:"image_url"`
	Date     string `csv:"date"`
}

func toRow(d model.Detail) exportRow {
	row := exportRow{
		Name:     d.Name,
		Risk:     string(d.RiskTier),
		Critical: strconv.FormatBool(d.IsCritical()),
		Reason:   d.Reason,
		Source:   d.OriginTag,
		ItemURL:  d.SourceRef,
		ImageURL: d.ImageRef,
	}
	if !d.ClassifiedAt.IsZero() {
		row.Date = d.ClassifiedAt.Local().Format("2006-01-02 15:04:05")
	}
	return row
}

// ExportCSV writes details as a UTF-8 CSV with a byte order mark. The
// header is written even when there are no details.
func ExportCSV(w io.Writer, details []model.Detail) error {
	if _, err := io.WriteString(w, utf8BOM); err != nil {
		return eris.Wrap(err, "aggregate: write bom")
	}

	cw := csv.NewWriter(w)
	enc := csvutil.NewEncoder(cw)
	enc.AutoHeader = false
	if err := enc.EncodeHeader(exportRow{}); err != nil {
		return eris.Wrap(err, "aggregate: write header")
	}
	for _, d := range details {
		if err := enc.Encode(toRow(d)); err != nil {
			return eris.Wrapf(err, "aggregate: encode %s", d.Key())
		}
	}

	cw.Flush()
	return eris.Wrap(cw.Error(), "aggregate: flush csv")
}
