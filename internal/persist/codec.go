// Package persist serializes protocol snapshots to a versioned JSON document
// and writes it with atomic replace semantics.
package persist

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/rogers-f/synthesis-engine/internal/domain"
)

// CurrentVersion is the document format written by this build.
const CurrentVersion = "1.0.0"

//go:embed schema.json
var schemaJSON []byte

var stateSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", bytes.NewReader(schemaJSON)); err != nil {
		panic(fmt.Sprintf("persist: invalid state schema: %v", err))
	}
	return compiler.MustCompile("schema.json")
}

// Document is a decoded state file.
type Document struct {
	Version     string
	PersistedAt time.Time
	Snapshot    domain.Snapshot
}

type stateFile struct {
	Version         string                     `json:"version"`
	PersistedAt     string                     `json:"persistedAt"`
	Phase           string                     `json:"phase"`
	Substate        substateJSON               `json:"substate"`
	Artifacts       []string                   `json:"artifacts"`
	BlockingQueries []blockingJSON             `json:"blockingQueries"`
	PhaseProgress   map[string]json.RawMessage `json:"phaseProgress,omitempty"`
}

type substateJSON struct {
	Kind        string            `json:"kind"`
	BlockingID  *string           `json:"blockingId,omitempty"`
	Query       *string           `json:"query,omitempty"`
	Options     []string          `json:"options,omitempty"`
	BlockedAt   string            `json:"blockedAt,omitempty"`
	TimeoutMs   *int64            `json:"timeoutMs,omitempty"`
	Error       *string           `json:"error,omitempty"`
	Code        string            `json:"code,omitempty"`
	FailedAt    string            `json:"failedAt,omitempty"`
	Recoverable *bool             `json:"recoverable,omitempty"`
	Context     map[string]string `json:"context,omitempty"`
}

type blockingJSON struct {
	ID         string   `json:"id"`
	Phase      string   `json:"phase"`
	Query      string   `json:"query"`
	Options    []string `json:"options"`
	BlockedAt  string   `json:"blockedAt"`
	Resolved   bool     `json:"resolved"`
	TimeoutMs  *int64   `json:"timeoutMs,omitempty"`
	Answer     string   `json:"answer,omitempty"`
	ResolvedAt string   `json:"resolvedAt,omitempty"`
}

// Codec converts between snapshots and state documents.
type Codec struct {
	Version string
	Now     func() time.Time
}

// NewCodec returns a codec writing CurrentVersion.
func NewCodec() *Codec {
	return &Codec{Version: CurrentVersion, Now: time.Now}
}

// Marshal renders snap as an indented state document and checks it against
// the state schema, so nothing is written that Unmarshal would reject.
func (c *Codec) Marshal(snap domain.Snapshot) ([]byte, error) {
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	version := c.Version
	if version == "" {
		version = CurrentVersion
	}

	f := stateFile{
		Version:         version,
		PersistedAt:     formatTime(now()),
		Phase:           string(snap.State.Phase),
		Substate:        encodeSubstate(snap.State.Substate),
		Artifacts:       make([]string, 0, len(snap.Artifacts)),
		BlockingQueries: make([]blockingJSON, 0, len(snap.BlockingQueries)),
	}
	for _, a := range snap.Artifacts {
		f.Artifacts = append(f.Artifacts, string(a))
	}
	for _, r := range snap.BlockingQueries {
		f.BlockingQueries = append(f.BlockingQueries, encodeBlocking(r))
	}
	if len(snap.PhaseProgress) > 0 {
		f.PhaseProgress = make(map[string]json.RawMessage, len(snap.PhaseProgress))
		for p, raw := range snap.PhaseProgress {
			f.PhaseProgress[string(p)] = raw
		}
	}

	out, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return nil, &Error{Kind: KindParse, Err: err}
	}
	// A document that fails the schema here would fail every later Load.
	var generic any
	if err := json.Unmarshal(out, &generic); err != nil {
		return nil, &Error{Kind: KindParse, Err: err}
	}
	if err := stateSchema.Validate(generic); err != nil {
		return nil, schemaError(err, generic)
	}
	return append(out, '\n'), nil
}

// Unmarshal decodes and validates a state document. Checks run in order:
// empty input, JSON syntax, schema shape, then semantic validation.
func (c *Codec) Unmarshal(data []byte) (Document, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Document{}, &Error{Kind: KindCorruption, Expected: "a JSON document", Received: "empty file"}
	}

	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return Document{}, &Error{Kind: KindParse, Err: err}
	}
	if err := stateSchema.Validate(generic); err != nil {
		return Document{}, schemaError(err, generic)
	}

	var f stateFile
	if err := json.Unmarshal(data, &f); err != nil {
		return Document{}, &Error{Kind: KindSchema, Err: err}
	}
	return c.decode(f)
}

func (c *Codec) decode(f stateFile) (Document, error) {
	if err := checkVersion(f.Version, c.Version); err != nil {
		return Document{}, err
	}
	persistedAt, err := parseTime("persistedAt", f.PersistedAt)
	if err != nil {
		return Document{}, err
	}

	phase := domain.Phase(f.Phase)
	if !domain.IsKnownPhase(phase) {
		return Document{}, validationError("phase", "one of "+phaseList(), strconv.Quote(f.Phase))
	}
	substate, err := decodeSubstate(f.Substate)
	if err != nil {
		return Document{}, err
	}

	snap := domain.Snapshot{
		State:           domain.ProtocolState{Phase: phase, Substate: substate},
		BlockingQueries: make([]domain.BlockingRecord, 0, len(f.BlockingQueries)),
	}
	seenArtifact := make(map[string]bool, len(f.Artifacts))
	for i, a := range f.Artifacts {
		field := fmt.Sprintf("artifacts[%d]", i)
		if !domain.IsKnownArtifact(domain.ArtifactType(a)) {
			return Document{}, validationError(field, "a known artifact type", strconv.Quote(a))
		}
		if seenArtifact[a] {
			return Document{}, validationError(field, "unique artifact", strconv.Quote(a)+" repeated")
		}
		seenArtifact[a] = true
		snap.Artifacts = append(snap.Artifacts, domain.ArtifactType(a))
	}

	seenID := make(map[string]bool, len(f.BlockingQueries))
	open := make(map[string]bool)
	for i, b := range f.BlockingQueries {
		rec, err := decodeBlocking(fmt.Sprintf("blockingQueries[%d]", i), b)
		if err != nil {
			return Document{}, err
		}
		if seenID[rec.ID] {
			return Document{}, validationError(fmt.Sprintf("blockingQueries[%d].id", i), "unique id", strconv.Quote(rec.ID)+" repeated")
		}
		seenID[rec.ID] = true
		if !rec.Resolved {
			open[rec.ID] = true
		}
		snap.BlockingQueries = append(snap.BlockingQueries, rec)
	}
	if substate.Kind == domain.SubstateBlocking && !open[substate.Blocking.BlockingID] {
		return Document{}, validationError("substate.blockingId", "id of an unresolved blocking query",
			strconv.Quote(substate.Blocking.BlockingID))
	}

	if len(f.PhaseProgress) > 0 {
		snap.PhaseProgress = make(map[domain.Phase]json.RawMessage, len(f.PhaseProgress))
		for p, raw := range f.PhaseProgress {
			if !domain.IsKnownPhase(domain.Phase(p)) {
				return Document{}, validationError("phaseProgress."+p, "a known phase key", strconv.Quote(p))
			}
			var buf bytes.Buffer
			if err := json.Compact(&buf, raw); err != nil {
				return Document{}, &Error{Kind: KindParse, Field: "phaseProgress." + p, Err: err}
			}
			snap.PhaseProgress[domain.Phase(p)] = json.RawMessage(buf.Bytes())
		}
	}

	return Document{Version: f.Version, PersistedAt: persistedAt, Snapshot: snap}, nil
}

func checkVersion(got, supported string) error {
	v, err := semver.StrictNewVersion(got)
	if err != nil {
		return &Error{Kind: KindValidation, Field: "version", Expected: "semantic version X.Y.Z", Received: strconv.Quote(got), Err: err}
	}
	if supported == "" {
		supported = CurrentVersion
	}
	want := semver.MustParse(supported)
	if v.Major() != want.Major() {
		return validationError("version", fmt.Sprintf("major version %d", want.Major()), got)
	}
	return nil
}

func encodeSubstate(s domain.Substate) substateJSON {
	out := substateJSON{Kind: string(s.Kind)}
	switch s.Kind {
	case domain.SubstateBlocking:
		b := s.Blocking
		out.BlockingID = &b.BlockingID
		out.Query = &b.Query
		out.Options = nonNil(b.Options)
		out.BlockedAt = formatTime(b.BlockedAt)
		out.TimeoutMs = b.TimeoutMs
	case domain.SubstateFailed:
		f := s.Failed
		out.Error = &f.Error
		out.Code = f.Code
		out.FailedAt = formatTime(f.FailedAt)
		out.Recoverable = &f.Recoverable
		out.Context = f.Context
	}
	return out
}

// MarshalJSON always emits options for a Blocking substate.
func (s substateJSON) MarshalJSON() ([]byte, error) {
	type plain substateJSON
	if s.Kind != string(domain.SubstateBlocking) {
		return json.Marshal(plain(s))
	}
	return json.Marshal(struct {
		plain
		Options []string `json:"options"`
	}{plain: plain(s), Options: nonNil(s.Options)})
}

func decodeSubstate(s substateJSON) (domain.Substate, error) {
	switch domain.SubstateKind(s.Kind) {
	case domain.SubstateActive:
		return domain.ActiveSubstate(), nil

	case domain.SubstateBlocking:
		blockedAt, err := parseTime("substate.blockedAt", s.BlockedAt)
		if err != nil {
			return domain.Substate{}, err
		}
		return domain.Substate{
			Kind: domain.SubstateBlocking,
			Blocking: &domain.BlockingInfo{
				BlockingID: deref(s.BlockingID),
				Query:      deref(s.Query),
				Options:    emptyToNil(s.Options),
				BlockedAt:  blockedAt,
				TimeoutMs:  s.TimeoutMs,
			},
		}, nil

	case domain.SubstateFailed:
		failedAt, err := parseTime("substate.failedAt", s.FailedAt)
		if err != nil {
			return domain.Substate{}, err
		}
		return domain.Substate{
			Kind: domain.SubstateFailed,
			Failed: &domain.FailureInfo{
				Error:       deref(s.Error),
				Code:        s.Code,
				FailedAt:    failedAt,
				Recoverable: s.Recoverable != nil && *s.Recoverable,
				Context:     s.Context,
			},
		}, nil
	}
	return domain.Substate{}, validationError("substate.kind", "one of Active, Blocking, Failed", strconv.Quote(s.Kind))
}

func encodeBlocking(r domain.BlockingRecord) blockingJSON {
	out := blockingJSON{
		ID:        r.ID,
		Phase:     string(r.Phase),
		Query:     r.Query,
		Options:   nonNil(r.Options),
		BlockedAt: formatTime(r.BlockedAt),
		Resolved:  r.Resolved,
		TimeoutMs: r.TimeoutMs,
		Answer:    r.Answer,
	}
	if r.ResolvedAt != nil {
		out.ResolvedAt = formatTime(*r.ResolvedAt)
	}
	return out
}

func decodeBlocking(field string, b blockingJSON) (domain.BlockingRecord, error) {
	if !domain.IsKnownPhase(domain.Phase(b.Phase)) {
		return domain.BlockingRecord{}, validationError(field+".phase", "one of "+phaseList(), strconv.Quote(b.Phase))
	}
	blockedAt, err := parseTime(field+".blockedAt", b.BlockedAt)
	if err != nil {
		return domain.BlockingRecord{}, err
	}
	rec := domain.BlockingRecord{
		ID:        b.ID,
		Phase:     domain.Phase(b.Phase),
		Query:     b.Query,
		Options:   emptyToNil(b.Options),
		BlockedAt: blockedAt,
		Resolved:  b.Resolved,
		TimeoutMs: b.TimeoutMs,
		Answer:    b.Answer,
	}
	if b.ResolvedAt != "" {
		at, err := parseTime(field+".resolvedAt", b.ResolvedAt)
		if err != nil {
			return domain.BlockingRecord{}, err
		}
		rec.ResolvedAt = &at
	}
	return rec, nil
}

func schemaError(err error, doc any) error {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return &Error{Kind: KindSchema, Err: err}
	}
	leaf := deepestCause(ve)
	return &Error{
		Kind:     KindSchema,
		Field:    fieldPath(leaf.InstanceLocation),
		Expected: leaf.Message,
		Received: describe(lookup(doc, leaf.InstanceLocation)),
	}
}

func deepestCause(ve *jsonschema.ValidationError) *jsonschema.ValidationError {
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	return ve
}

// fieldPath turns a JSON pointer into a dotted path such as substate.kind
// or blockingQueries[0].id.
func fieldPath(pointer string) string {
	if pointer == "" || pointer == "/" {
		return "(root)"
	}
	var b strings.Builder
	for _, tok := range strings.Split(strings.TrimPrefix(pointer, "/"), "/") {
		tok = strings.ReplaceAll(strings.ReplaceAll(tok, "~1", "/"), "~0", "~")
		if _, err := strconv.Atoi(tok); err == nil {
			fmt.Fprintf(&b, "[%s]", tok)
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('.')
		}
		b.WriteString(tok)
	}
	return b.String()
}

func lookup(doc any, pointer string) any {
	if pointer == "" {
		return doc
	}
	cur := doc
	for _, tok := range strings.Split(strings.TrimPrefix(pointer, "/"), "/") {
		tok = strings.ReplaceAll(strings.ReplaceAll(tok, "~1", "/"), "~0", "~")
		switch v := cur.(type) {
		case map[string]any:
			cur = v[tok]
		case []any:
			i, err := strconv.Atoi(tok)
			if err != nil || i < 0 || i >= len(v) {
				return nil
			}
			cur = v[i]
		default:
			return nil
		}
	}
	return cur
}

func describe(v any) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case string:
		return "string " + strconv.Quote(x)
	case bool:
		return "boolean " + strconv.FormatBool(x)
	case float64, json.Number:
		return fmt.Sprintf("number %v", x)
	case []any:
		return fmt.Sprintf("array of %d", len(x))
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return "object with keys [" + strings.Join(keys, ", ") + "]"
	}
	return fmt.Sprintf("%T", v)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(field, s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, &Error{Kind: KindValidation, Field: field, Expected: "RFC 3339 timestamp", Received: strconv.Quote(s), Err: err}
	}
	return t.UTC(), nil
}

func phaseList() string {
	names := make([]string, len(domain.PhaseOrder))
	for i, p := range domain.PhaseOrder {
		names[i] = string(p)
	}
	return strings.Join(names, ", ")
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return append([]string(nil), s...)
}

func emptyToNil(s []string) []string {
	if len(s) == 0 {
		return nil
	}
	return s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
