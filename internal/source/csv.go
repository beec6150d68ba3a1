package source

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/sells-group/ip-patrol/internal/model"
)

// Header fragments used to find columns when none is configured.
var (
	nameHeaderHints  = []string{"商品名", "Name", "Product"}
	imageHeaderHints = []string{"画像", "Image"}
	urlHeaderHints   = []string{"商品URL", "URL", "Url"}
)

// CSVOptions configures the file-set enumerator.
type CSVOptions struct {
	// Encoding is a WHATWG label such as "shift_jis" or "utf-8". A UTF-8
	// or UTF-16 byte order mark overrides it.
	Encoding string
	// NameColumn forces the item name column by exact header text.
	NameColumn string
}

// CSVFiles enumerates a set of uploaded CSV files, one page per file. The
// name column is detected from the first file's header and reused for the
// rest. Excel workbooks (.xlsx) are read from their first sheet.
type CSVFiles struct {
	paths   []string
	opts    CSVOptions
	nameCol int
	imgCol  int
	urlCol  int
	header  bool
}

// NewCSVFiles builds an enumerator over paths in the given order.
func NewCSVFiles(paths []string, opts CSVOptions) (*CSVFiles, error) {
	if len(paths) == 0 {
		return nil, eris.New("csv: no files given")
	}
	if opts.Encoding == "" {
		opts.Encoding = "utf-8"
	}
	if _, err := htmlindex.Get(opts.Encoding); err != nil {
		return nil, eris.Wrapf(err, "csv: unsupported encoding %q", opts.Encoding)
	}
	return &CSVFiles{paths: paths, opts: opts, imgCol: -1, urlCol: -1}, nil
}

// Target describes the file set for session metadata.
func (c *CSVFiles) Target() string {
	names := make([]string, len(c.paths))
	for i, p := range c.paths {
		names[i] = filepath.Base(p)
	}
	return strings.Join(names, ",")
}

// NextPage reads file number cursor.
func (c *CSVFiles) NextPage(ctx context.Context, cursor int) (*Page, error) {
	total := len(c.paths)
	if cursor < 1 || cursor > total {
		return &Page{Number: cursor, TotalPages: total, Exhausted: true}, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// A resumed run may start past file 1; the header layout still comes
	// from the first file.
	if !c.header && cursor > 1 {
		if _, err := c.readFile(c.paths[0]); err != nil {
			return nil, &FetchError{Page: 1, Err: err}
		}
	}

	path := c.paths[cursor-1]
	rows, err := c.readFile(path)
	if err != nil {
		return nil, &FetchError{Page: cursor, Err: err}
	}

	origin := filepath.Base(path)
	items := make([]model.Item, 0, len(rows))
	for i, row := range rows {
		it := model.Item{
			OriginTag: origin,
			Position:  fmt.Sprintf("%s:%d", origin, i+1),
			Name:      strings.TrimSpace(cell(row, c.nameCol)),
		}
		it.ImageRef = strings.TrimSpace(cell(row, c.imgCol))
		it.SourceRef = strings.TrimSpace(cell(row, c.urlCol))
		items = append(items, it)
	}

	return &Page{Number: cursor, Items: items, TotalPages: total}, nil
}

// readFile decodes one file and returns its data rows.
func (c *CSVFiles) readFile(path string) ([][]string, error) {
	records, err := readRecords(path, c.opts.Encoding)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}

	if !c.header {
		c.detectColumns(records[0])
		c.header = true
	}
	return records[1:], nil
}

func (c *CSVFiles) detectColumns(header []string) {
	c.nameCol = 0
	if c.opts.NameColumn != "" {
		for i, h := range header {
			if strings.TrimSpace(h) == c.opts.NameColumn {
				c.nameCol = i
				break
			}
		}
	} else if i := findHeader(header, nameHeaderHints); i >= 0 {
		c.nameCol = i
	}
	c.imgCol = findHeader(header, imageHeaderHints, c.nameCol)
	c.urlCol = findHeader(header, urlHeaderHints, c.nameCol, c.imgCol)
}

// readRecords loads a CSV file, or the first sheet of an .xlsx workbook.
func readRecords(path, encoding string) ([][]string, error) {
	if strings.EqualFold(filepath.Ext(path), ".xlsx") {
		return readXLSX(path)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "csv: open %s", path)
	}
	defer f.Close() //nolint:errcheck

	records, err := decodeCSV(f, encoding)
	if err != nil {
		return nil, eris.Wrapf(err, "csv: read %s", path)
	}
	return records, nil
}

func decodeCSV(r io.Reader, encoding string) ([][]string, error) {
	enc, err := htmlindex.Get(encoding)
	if err != nil {
		return nil, err
	}
	dec := unicode.BOMOverride(enc.NewDecoder())

	reader := csv.NewReader(transform.NewReader(r, dec))
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	return reader.ReadAll()
}

func findHeader(header []string, hints []string, skip ...int) int {
	for i, h := range header {
		if slices.Contains(skip, i) {
			continue
		}
		for _, hint := range hints {
			if strings.Contains(h, hint) {
				return i
			}
		}
	}
	return -1
}

func cell(row []string, i int) string {
	if i < 0 || i >= len(row) {
		return ""
	}
	return row[i]
}
