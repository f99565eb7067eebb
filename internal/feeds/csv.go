package feeds

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/lvonguyen/threatlens/internal/indicator"
	"github.com/lvonguyen/threatlens/internal/validation"
)

// Header names recognised per field when a feed gives no explicit mapping.
var csvHeaderAliases = map[string][]string{
	"value":       {"value", "indicator", "ioc", "observable", "url", "domain", "hostname", "ip", "ip_address", "dst_ip", "hash", "sha256", "sha256_hash", "sha1", "md5", "md5_hash", "email", "filename"},
	"type":        {"type", "indicator_type", "ioc_type"},
	"description": {"description", "threat", "comment", "title", "malware", "malware_printable"},
	"severity":    {"severity", "threat_level"},
	"confidence":  {"confidence", "confidence_level", "score", "confidence_score"},
	"tags":        {"tags", "labels"},
	"first_seen":  {"first_seen", "firstseen", "first_seen_utc", "dateadded", "date_added", "created"},
	"last_seen":   {"last_seen", "lastseen", "last_seen_utc", "last_online", "modified"},
	"active":      {"is_active", "active", "status", "url_status"},
}

// csvColumns holds column indexes, -1 when absent. A negative value column
// means the first cell with a recognisable shape is used.
type csvColumns struct {
	value, typ, description, severity, confidence, tags, firstSeen, lastSeen, active int

	// impliedType is the type named by the value column's header, if any.
	impliedType string
}

func normalizeCSV(b *builder, payload []byte) error {
	r := csv.NewReader(bytes.NewReader(payload))
	if d := delimiter(b.cfg.Delimiter); d != "" {
		c, _ := utf8.DecodeRuneInString(d)
		r.Comma = c
	}
	r.Comment = '#'
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	r.TrimLeadingSpace = true

	var cols *csvColumns
	for {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			var pe *csv.ParseError
			if errors.As(err, &pe) {
				b.record()
				b.skip()
				continue
			}
			return fmt.Errorf("%w: %v", ErrParse, err)
		}

		if cols == nil {
			if hdr := headerColumns(row, b.cfg.Fields); hdr != nil {
				cols = hdr
				continue
			}
			cols = positionalColumns(b.cfg.Fields)
		}

		b.record()
		rec, ok := cols.extract(row)
		if !ok {
			b.skip()
			continue
		}
		b.addRecord(rec, pulseContext{})
	}
}

func (c *csvColumns) extract(row []string) (rawRecord, bool) {
	cell := func(i int) string {
		if i < 0 || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	rec := rawRecord{
		declared:    cell(c.typ),
		description: cell(c.description),
		severity:    cell(c.severity),
		tags:        splitList(cell(c.tags)),
	}
	if s := cell(c.confidence); s != "" {
		rec.confidence = s
	}
	if s := cell(c.firstSeen); s != "" {
		rec.firstSeen = s
	}
	if s := cell(c.lastSeen); s != "" {
		rec.lastSeen = s
	}
	if s := cell(c.active); s != "" {
		rec.active = s
	}

	if c.value >= 0 {
		rec.value = cell(c.value)
		if rec.declared == "" {
			rec.declared = c.impliedType
		}
		return rec, rec.value != ""
	}

	for _, v := range row {
		v = strings.TrimSpace(v)
		if _, ok := validation.Classify(v); ok {
			rec.value = v
			return rec, true
		}
	}
	return rec, false
}

// headerColumns treats row as a header when it names the value column. A
// numeric value mapping means the feed has no header.
func headerColumns(row []string, f FieldMapping) *csvColumns {
	if _, err := strconv.Atoi(strings.TrimSpace(f.Value)); err == nil {
		return nil
	}
	index := make(map[string]int, len(row))
	for i, h := range row {
		index[strings.ToLower(strings.TrimSpace(h))] = i
	}

	find := func(field, mapped string) int {
		if mapped != "" {
			if i, ok := index[strings.ToLower(mapped)]; ok {
				return i
			}
		}
		for _, alias := range csvHeaderAliases[field] {
			if i, ok := index[alias]; ok {
				return i
			}
		}
		return -1
	}

	cols := &csvColumns{
		value:       find("value", f.Value),
		typ:         find("type", f.Type),
		description: find("description", f.Description),
		severity:    find("severity", f.Severity),
		confidence:  find("confidence", f.Confidence),
		tags:        find("tags", f.Tags),
		firstSeen:   find("first_seen", f.FirstSeen),
		lastSeen:    find("last_seen", f.LastSeen),
		active:      find("active", f.Active),
	}
	if cols.value < 0 {
		return nil
	}
	if t, err := indicator.ParseType(strings.TrimSpace(row[cols.value])); err == nil && cols.typ < 0 {
		cols.impliedType = string(t)
	}
	return cols
}

// positionalColumns reads numeric column indexes from the mapping.
func positionalColumns(f FieldMapping) *csvColumns {
	idx := func(s string) int {
		if i, err := strconv.Atoi(strings.TrimSpace(s)); err == nil && i >= 0 {
			return i
		}
		return -1
	}
	return &csvColumns{
		value:       idx(f.Value),
		typ:         idx(f.Type),
		description: idx(f.Description),
		severity:    idx(f.Severity),
		confidence:  idx(f.Confidence),
		tags:        idx(f.Tags),
		firstSeen:   idx(f.FirstSeen),
		lastSeen:    idx(f.LastSeen),
		active:      idx(f.Active),
	}
}
