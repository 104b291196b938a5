package sourcemap

import (
	"strings"

	sourcemapv1 "gopkg.in/sourcemap.v1"
)

// Segment is one decoded mappings entry: up to 5 fields per the source-map
// spec (genCol always present; the rest optional depending on field count).
type Segment struct {
	GenCol    int
	SourceIdx int
	OrigLine  int
	OrigCol   int
	NameIdx   int
	HasSource bool
	HasName   bool
}

// Map is a parsed source map (spec §3 Source-Map Cache entry).
type Map struct {
	Sources        []string
	Names          []string
	SourceRoot     string
	SourcesContent []string
	Mappings       [][]Segment // per generated line

	// consumer is set only on maps built via the gopkg.in/sourcemap.v1
	// fallback path (resolver.go), whose Consumer does not expose decoded
	// segments for direct reuse in Mappings.
	consumer *sourcemapv1.Consumer
}

// DecodeMappings parses the VLQ "mappings" string into a per-line segment
// table. Deltas for sourceIdx/origLine/origCol/nameIdx accumulate across
// the WHOLE mappings field (not reset per line), per the source-map spec
// and per this component's §4.E description; genCol resets to 0 at the
// start of every generated line.
func DecodeMappings(mappings string) ([][]Segment, error) {
	lines := strings.Split(mappings, ";")
	out := make([][]Segment, len(lines))

	genCol, sourceIdx, origLine, origCol, nameIdx := 0, 0, 0, 0, 0

	for li, line := range lines {
		genCol = 0
		if line == "" {
			out[li] = []Segment{}
			continue
		}
		var segs []Segment
		for _, raw := range strings.Split(line, ",") {
			if raw == "" {
				continue
			}
			fields, err := DecodeVLQ(raw)
			if err != nil {
				return nil, err
			}
			if len(fields) == 0 {
				continue
			}
			genCol += fields[0]
			seg := Segment{GenCol: genCol}
			if len(fields) >= 4 {
				sourceIdx += fields[1]
				origLine += fields[2]
				origCol += fields[3]
				seg.SourceIdx = sourceIdx
				seg.OrigLine = origLine
				seg.OrigCol = origCol
				seg.HasSource = true
			}
			if len(fields) >= 5 {
				nameIdx += fields[4]
				seg.NameIdx = nameIdx
				seg.HasName = true
			}
			segs = append(segs, seg)
		}
		out[li] = segs
	}
	return out, nil
}

// EncodeMappings renders a decoded segment table back into the VLQ
// "mappings" wire format, the inverse of DecodeMappings (spec §8 round-trip
// property: parseMappings(encode(M)) == M.mappings).
func EncodeMappings(lines [][]Segment) string {
	var sb strings.Builder
	sourceIdx, origLine, origCol, nameIdx := 0, 0, 0, 0

	for li, segs := range lines {
		if li > 0 {
			sb.WriteByte(';')
		}
		genCol := 0
		for si, seg := range segs {
			if si > 0 {
				sb.WriteByte(',')
			}
			fields := []int{seg.GenCol - genCol}
			genCol = seg.GenCol
			if seg.HasSource {
				fields = append(fields, seg.SourceIdx-sourceIdx, seg.OrigLine-origLine, seg.OrigCol-origCol)
				sourceIdx, origLine, origCol = seg.SourceIdx, seg.OrigLine, seg.OrigCol
			}
			if seg.HasName {
				fields = append(fields, seg.NameIdx-nameIdx)
				nameIdx = seg.NameIdx
			}
			sb.WriteString(EncodeVLQ(fields))
		}
	}
	return sb.String()
}

// Location is a resolved original-source position.
type Location struct {
	Source string
	Line   int // 1-based
	Column int
	Name   string
	Found  bool
}

// FindOriginalLocation walks the decoded mappings for the given 0-based
// generated line, returning the best segment whose GenCol <= col.
func (m *Map) FindOriginalLocation(line, col int) Location {
	if m.consumer != nil {
		source, name, origLine, origCol, ok := m.consumer.Source(line+1, col)
		if !ok {
			return Location{}
		}
		return Location{Source: source, Line: origLine, Column: origCol, Name: name, Found: true}
	}
	if line < 0 || line >= len(m.Mappings) {
		return Location{}
	}
	segs := m.Mappings[line]
	var best *Segment
	for i := range segs {
		if segs[i].GenCol <= col {
			best = &segs[i]
		} else {
			break
		}
	}
	if best == nil || !best.HasSource {
		return Location{}
	}
	loc := Location{
		Line:   best.OrigLine + 1,
		Column: best.OrigCol,
		Found:  true,
	}
	if best.SourceIdx >= 0 && best.SourceIdx < len(m.Sources) {
		loc.Source = m.Sources[best.SourceIdx]
	}
	if best.HasName && best.NameIdx >= 0 && best.NameIdx < len(m.Names) {
		loc.Name = m.Names[best.NameIdx]
	}
	return loc
}
