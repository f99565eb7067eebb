package feeds

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/lvonguyen/threatlens/internal/indicator"
)

// rawRecord is a feed record with its fields located but not yet
// interpreted.
type rawRecord struct {
	value       string
	declared    string
	description string
	severity    string
	confidence  any
	tags        []string
	firstSeen   any
	lastSeen    any
	active      any
	reference   string
}

// pulseContext carries container-level context (an OTX pulse, a MISP event)
// down to the indicators it groups.
type pulseContext struct {
	id        string
	name      string
	tags      []string
	adversary string
	modified  any
}

// addRecord interprets a located record and hands it to add.
func (b *builder) addRecord(r rawRecord, pc pulseContext) {
	value := strings.TrimSpace(r.value)
	if value == "" {
		b.skip()
		return
	}

	typ, ok := b.resolveType(strings.TrimSpace(r.declared), value)
	if !ok {
		b.res.Rejected++
		return
	}

	tags := indicator.UnionSorted(pc.tags, r.tags)
	c := indicator.Candidate{
		Type:        typ,
		Value:       value,
		Description: strings.TrimSpace(r.description),
		Tags:        tags,
		Confidence:  ConfidenceStructured,
	}
	if c.Description == "" {
		c.Description = pc.name
	}

	if sev, ok := indicator.ParseSeverity(r.severity); ok {
		c.Severity = sev
	} else if sev, ok := severityFromTags(tags, pc.adversary); ok {
		c.Severity = sev
	}
	if conf, ok := parseConfidence(r.confidence, b.cfg.ConfidenceScale); ok {
		c.Confidence = conf
	}
	if t, ok := parseTime(r.firstSeen); ok {
		c.FirstSeen = t
	}
	if t, ok := parseTime(r.lastSeen); ok {
		c.LastSeen = t
	} else if t, ok := parseTime(pc.modified); ok {
		c.LastSeen = t
	}
	if active, ok := parseActive(r.active); ok && !active {
		c.Inactive = true
	}

	meta := map[string]string{}
	if r.reference != "" {
		meta["reference"] = r.reference
	}
	if pc.id != "" {
		meta["pulse_id"] = pc.id
	}
	if len(meta) > 0 {
		c.Metadata = meta
	}

	b.add(c)
}

// Keys under which JSON feeds wrap their indicator list.
var wrapperKeys = []string{"data", "results", "indicators", "iocs", "items", "urls", "objects"}

// normalizeJSON handles a top-level array, an object wrapping one, a single
// record object, or newline-delimited objects.
func normalizeJSON(b *builder, payload []byte) error {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return nil
	}

	switch trimmed[0] {
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return fmt.Errorf("%w: %v", ErrParse, err)
		}
		for _, raw := range items {
			b.jsonItem(raw)
		}
		return nil

	case '{':
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &obj); err != nil {
			return normalizeNDJSON(b, trimmed)
		}
		for _, key := range wrapperKeys {
			raw, ok := obj[key]
			if !ok {
				continue
			}
			var items []json.RawMessage
			if err := json.Unmarshal(raw, &items); err != nil {
				continue
			}
			for _, item := range items {
				b.jsonItem(item)
			}
			return nil
		}
		b.jsonItem(trimmed)
		return nil

	default:
		return fmt.Errorf("%w: payload is not JSON", ErrParse)
	}
}

// normalizeNDJSON reads one JSON object per line. Broken lines are skipped.
func normalizeNDJSON(b *builder, payload []byte) error {
	sc := bufio.NewScanner(bytes.NewReader(payload))
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		b.jsonItem(line)
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrParse, err)
	}
	return nil
}

// jsonItem handles one element of a JSON list: either an indicator record
// or a container (pulse) holding an "indicators" list.
func (b *builder) jsonItem(raw []byte) {
	var rec map[string]any
	if err := json.Unmarshal(raw, &rec); err != nil || rec == nil {
		b.record()
		b.skip()
		return
	}

	if children, ok := rec["indicators"].([]any); ok {
		pc := pulseContext{
			id:        stringField(rec, "id"),
			name:      stringField(rec, "name", "title"),
			tags:      parseTags(rec["tags"]),
			adversary: stringField(rec, "adversary"),
			modified:  firstField(rec, "modified", "created"),
		}
		for _, child := range children {
			b.record()
			obj, ok := child.(map[string]any)
			if !ok {
				b.skip()
				continue
			}
			b.addRecord(jsonRecord(obj), pc)
		}
		return
	}

	b.record()
	b.addRecord(jsonRecord(rec), pulseContext{})
}

// Keys whose name implies the indicator type of their value.
var typedValueKeys = []struct {
	key string
	typ indicator.Type
}{
	{"url", indicator.TypeURL},
	{"domain", indicator.TypeDomain},
	{"hostname", indicator.TypeDomain},
	{"ip", indicator.TypeIP},
	{"ip_address", indicator.TypeIP},
	{"sha256", indicator.TypeHash},
	{"sha256_hash", indicator.TypeHash},
	{"sha1", indicator.TypeHash},
	{"md5", indicator.TypeHash},
	{"md5_hash", indicator.TypeHash},
	{"hash", indicator.TypeHash},
	{"email", indicator.TypeEmail},
	{"filename", indicator.TypeFile},
	{"file_name", indicator.TypeFile},
}

func jsonRecord(rec map[string]any) rawRecord {
	r := rawRecord{
		declared:    stringField(rec, "type", "indicator_type", "ioc_type"),
		description: stringField(rec, "description", "title", "comment", "threat"),
		severity:    stringField(rec, "severity", "threat_level", "level"),
		confidence:  firstField(rec, "confidence", "confidence_score", "confidence_level", "score", "reliability"),
		tags:        parseTags(firstField(rec, "tags", "labels")),
		firstSeen:   firstField(rec, "first_seen", "firstseen", "first_seen_utc", "date_added", "dateadded", "created"),
		lastSeen:    firstField(rec, "last_seen", "lastseen", "last_seen_utc", "last_online", "modified"),
		active:      firstField(rec, "is_active", "active", "status", "url_status"),
		reference:   stringField(rec, "reference", "link", "urlhaus_link"),
	}

	r.value = stringField(rec, "value", "indicator", "ioc", "observable")
	if r.value != "" {
		return r
	}
	for _, tk := range typedValueKeys {
		if s := stringField(rec, tk.key); s != "" {
			r.value = s
			if r.declared == "" {
				r.declared = string(tk.typ)
			}
			return r
		}
	}
	return r
}

// normalizeJSONFields reads records from an arbitrary document using the
// feed's configured dotted paths.
func normalizeJSONFields(b *builder, payload []byte) error {
	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return fmt.Errorf("%w: %v", ErrParse, err)
	}

	f := b.cfg.Fields
	items := doc
	if f.Items != "" {
		v, ok := lookupPath(doc, f.Items)
		if !ok {
			return fmt.Errorf("%w: items path %q not found", ErrParse, f.Items)
		}
		items = v
	}

	var list []any
	switch x := items.(type) {
	case []any:
		list = x
	case map[string]any:
		list = []any{x}
	default:
		return fmt.Errorf("%w: items path %q is not a list", ErrParse, f.Items)
	}

	valuePath := f.Value
	if valuePath == "" {
		valuePath = "value"
	}

	for _, item := range list {
		obj, ok := item.(map[string]any)
		if !ok {
			b.record()
			b.skip()
			continue
		}

		base := rawRecord{
			declared:    pathString(obj, f.Type),
			description: pathString(obj, f.Description),
			severity:    pathString(obj, f.Severity),
			confidence:  pathValue(obj, f.Confidence),
			tags:        parseTags(pathValue(obj, f.Tags)),
			firstSeen:   pathValue(obj, f.FirstSeen),
			lastSeen:    pathValue(obj, f.LastSeen),
			active:      pathValue(obj, f.Active),
		}

		// A value path may resolve to a list, e.g. all IPs of one report.
		v, _ := lookupPath(obj, valuePath)
		if values, ok := v.([]any); ok {
			for _, each := range values {
				b.record()
				r := base
				r.value, _ = asString(each)
				b.addRecord(r, pulseContext{})
			}
			continue
		}

		b.record()
		base.value, _ = asString(v)
		b.addRecord(base, pulseContext{})
	}
	return nil
}

// lookupPath walks a dotted path through maps and list indexes.
func lookupPath(v any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	cur := v
	for _, part := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			next, ok := node[part]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			i, err := strconv.Atoi(part)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	return cur, true
}

func pathValue(obj map[string]any, path string) any {
	v, _ := lookupPath(obj, path)
	return v
}

func pathString(obj map[string]any, path string) string {
	s, _ := asString(pathValue(obj, path))
	return s
}

func firstField(rec map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := rec[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

func stringField(rec map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := asString(rec[k]); ok && strings.TrimSpace(s) != "" {
			return s
		}
	}
	return ""
}
