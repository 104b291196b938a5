package sourcemap

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	sourcemapv1 "gopkg.in/sourcemap.v1"

	"github.com/brennhill/gasoline-coordinator/internal/errs"
)

// FetchTimeout bounds both the script fetch and the map fetch (spec §4.E).
const FetchTimeout = 5 * time.Second

var sourceMappingURLRe = regexp.MustCompile(`//[#@]\s*sourceMappingURL=(\S+)`)

type rawMapFile struct {
	Version        int      `json:"version"`
	Sources        []string `json:"sources"`
	Names          []string `json:"names"`
	SourceRoot     string   `json:"sourceRoot"`
	SourcesContent []string `json:"sourcesContent"`
	Mappings       string   `json:"mappings"`
}

// Resolver fetches and parses source maps referenced by script URLs.
type Resolver struct {
	client *http.Client
}

// NewResolver constructs a Resolver with the component's fixed timeout.
func NewResolver() *Resolver {
	return &Resolver{client: &http.Client{Timeout: FetchTimeout}}
}

// FetchSourceMap retrieves scriptURL, locates its sourceMappingURL comment,
// and parses the referenced map (inline data: URL or external resource).
// Any failure is reported as an error; callers are expected to cache a nil
// result on error (negative caching, spec §4.D).
func (r *Resolver) FetchSourceMap(ctx context.Context, scriptURL string) (*Map, error) {
	ctx, cancel := context.WithTimeout(ctx, FetchTimeout)
	defer cancel()

	body, err := r.get(ctx, scriptURL)
	if err != nil {
		return nil, errs.Wrapf(err, "fetching script %s", scriptURL)
	}

	m := sourceMappingURLRe.FindStringSubmatch(body)
	if m == nil {
		return nil, errs.Newf("no sourceMappingURL comment in %s", scriptURL)
	}
	ref := m[1]

	var raw []byte
	if strings.HasPrefix(ref, "data:") {
		raw, err = decodeDataURL(ref)
		if err != nil {
			return nil, errs.Wrapf(err, "decoding inline source map for %s", scriptURL)
		}
	} else {
		mapURL, err := resolveRelative(scriptURL, ref)
		if err != nil {
			return nil, errs.Wrapf(err, "resolving source map url for %s", scriptURL)
		}
		raw, err = r.get(ctx, mapURL)
		if err != nil {
			return nil, errs.Wrapf(err, "fetching source map %s", mapURL)
		}
	}

	return Parse(raw)
}

func (r *Resolver) get(ctx context.Context, u string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", errs.Newf("unexpected status %d fetching %s", resp.StatusCode, u)
	}
	var sb strings.Builder
	buf := make([]byte, 32*1024)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			sb.Write(buf[:n])
		}
		if rerr != nil {
			break
		}
	}
	return sb.String(), nil
}

func decodeDataURL(ref string) ([]byte, error) {
	parts := strings.SplitN(ref, ",", 2)
	if len(parts) != 2 {
		return nil, errs.Newf("malformed data URL")
	}
	if strings.Contains(parts[0], "base64") {
		return base64.StdEncoding.DecodeString(parts[1])
	}
	decoded, err := url.QueryUnescape(parts[1])
	if err != nil {
		return nil, err
	}
	return []byte(decoded), nil
}

func resolveRelative(scriptURL, ref string) (string, error) {
	base, err := url.Parse(scriptURL)
	if err != nil {
		return "", err
	}
	rel, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	return base.ResolveReference(rel).String(), nil
}

// Parse decodes a raw source-map JSON document. It first tries the
// component's own hand-rolled VLQ/mappings decoder (DecodeMappings); if
// that fails (malformed or exotic VLQ the hand decoder rejects), it falls
// back to gopkg.in/sourcemap.v1's more permissive consumer and rebuilds a
// Map from its public accessors.
func Parse(raw []byte) (*Map, error) {
	var rf rawMapFile
	if err := json.Unmarshal(raw, &rf); err != nil {
		return nil, errs.Wrap(err, "parsing source map JSON")
	}

	mappings, err := DecodeMappings(rf.Mappings)
	if err == nil {
		return &Map{
			Sources:        rf.Sources,
			Names:          rf.Names,
			SourceRoot:     rf.SourceRoot,
			SourcesContent: rf.SourcesContent,
			Mappings:       mappings,
		}, nil
	}

	consumer, cerr := sourcemapv1.Parse("", raw)
	if cerr != nil {
		return nil, errs.Wrap(err, "hand-rolled decode failed and fallback consumer also failed")
	}
	return fromConsumer(consumer, rf), nil
}

// fromConsumer rebuilds an approximate Map from a gopkg.in/sourcemap.v1
// Consumer, used only on the fallback path. It loses per-segment fidelity
// (the library does not expose raw decoded segments) so FindOriginalLocation
// on a fallback-built Map instead defers to the embedded consumer.
func fromConsumer(c *sourcemapv1.Consumer, rf rawMapFile) *Map {
	return &Map{
		Sources:        rf.Sources,
		Names:          rf.Names,
		SourceRoot:     rf.SourceRoot,
		SourcesContent: rf.SourcesContent,
		consumer:       c,
	}
}

// StackFrame is one parsed line of a JS stack trace.
type StackFrame struct {
	FunctionName string
	FileName     string
	Line         int
	Column       int
	Anonymous    bool
	Raw          string
}

var (
	namedFrameRe = regexp.MustCompile(`^\s*at\s+([^(]+)\s+\(([^)]+):(\d+):(\d+)\)\s*$`)
	anonFrameRe  = regexp.MustCompile(`^\s*at\s+(\S+):(\d+):(\d+)\s*$`)
)

// ParseStackFrame parses one line of a stack trace. Unparseable lines
// return ok=false so the caller can pass them through unchanged.
func ParseStackFrame(line string) (StackFrame, bool) {
	if m := namedFrameRe.FindStringSubmatch(line); m != nil {
		l, _ := strconv.Atoi(m[3])
		c, _ := strconv.Atoi(m[4])
		return StackFrame{FunctionName: strings.TrimSpace(m[1]), FileName: m[2], Line: l, Column: c, Raw: line}, true
	}
	if m := anonFrameRe.FindStringSubmatch(line); m != nil {
		l, _ := strconv.Atoi(m[2])
		c, _ := strconv.Atoi(m[3])
		return StackFrame{FileName: m[1], Line: l, Column: c, Anonymous: true, Raw: line}, true
	}
	return StackFrame{}, false
}

// ResolveStackTrace resolves every http(s)-sourced frame of a stack trace
// using fetch (via resolver, with per-script caching left to the caller)
// and renders a line carrying both the original and generated locations;
// unparseable lines pass through verbatim.
func (r *Resolver) ResolveStackTrace(ctx context.Context, stack string, lookup func(scriptURL string) (*Map, error)) string {
	lines := strings.Split(stack, "\n")
	out := make([]string, len(lines))
	for i, line := range lines {
		frame, ok := ParseStackFrame(line)
		if !ok || !strings.HasPrefix(frame.FileName, "http") {
			out[i] = line
			continue
		}
		m, err := lookup(frame.FileName)
		if err != nil || m == nil {
			out[i] = line
			continue
		}
		loc := m.FindOriginalLocation(frame.Line-1, frame.Column)
		if !loc.Found {
			out[i] = line
			continue
		}
		out[i] = line + " <- " + loc.Source + ":" + strconv.Itoa(loc.Line) + ":" + strconv.Itoa(loc.Column)
	}
	return strings.Join(out, "\n")
}
