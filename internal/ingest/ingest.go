// Package ingest runs one submission through the whole pipeline: decode,
// identity, flatten, apply and upsert, followed by the post-commit hooks.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"surveycore/internal/apply"
	"surveycore/internal/archive"
	"surveycore/internal/flatten"
	"surveycore/internal/metrics"
	"surveycore/internal/mirror"
	"surveycore/internal/record"
	"surveycore/internal/schema"
	"surveycore/internal/table"
)

// TimestampLayout is the format of the stamped timestamp column.
const TimestampLayout = "2006-01-02 15:04:05"

// DemoFormID is used for demo submissions that name no form.
const DemoFormID = "demo_form"

var (
	// ErrIdentityMissing is returned when neither user_id nor the
	// office_id/personal_id pair can be resolved.
	ErrIdentityMissing = table.ErrIdentityMissing
	// ErrUnknownForm is returned for a records submission outside the
	// registry.
	ErrUnknownForm = apply.ErrUnknownForm
)

// Target selects the table a submission lands in.
type Target string

const (
	Records Target = "records"
	Demo    Target = "demo"
)

// Submission is one decoded request body.
type Submission struct {
	FormID string
	// Payload is the JSON object as decoded by encoding/json. A nested
	// "field_types" object is used when FieldTypes is nil.
	Payload map[string]any
	// Hints carries identity values supplied outside the payload
	// (user_id, office_id, personal_id). They win over payload values.
	Hints map[string]string
	// FieldTypes are per-field type hints for flattening.
	FieldTypes flatten.Hints
	Target     Target
}

// Result describes one ingested submission.
type Result struct {
	Row      record.Row
	Key      string
	Table    string
	Inserted bool
	Rebuilt  bool
	Drift    apply.Drift
	Unknown  []flatten.UnknownToken
}

// Pipeline is safe for concurrent use. Tables serialize their own writes.
type Pipeline struct {
	reg      *schema.Registry
	engine   *flatten.Engine
	applier  *apply.Applier
	records  *table.Table
	demo     *table.Table
	logger   *zap.Logger
	metrics  *metrics.Metrics
	mirror   mirror.Store
	snap     *archive.Snapshotter
	onCommit bool
	zone     *time.Location
	now      func() time.Time
}

// Option configures a Pipeline.
type Option func(*Pipeline)

func WithLogger(l *zap.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithMirror records every committed row in s.
func WithMirror(s mirror.Store) Option {
	return func(p *Pipeline) { p.mirror = s }
}

// WithSnapshots publishes a table snapshot after every commit.
func WithSnapshots(s *archive.Snapshotter) Option {
	return func(p *Pipeline) {
		p.snap = s
		p.onCommit = s.Enabled()
	}
}

// WithUTCOffset sets the zone of the stamped timestamp.
func WithUTCOffset(hours int) Option {
	return func(p *Pipeline) {
		p.zone = time.FixedZone(fmt.Sprintf("UTC%+d", hours), hours*3600)
	}
}

func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		if now != nil {
			p.now = now
		}
	}
}

// New wires a pipeline over reg. demo may be nil, in which case demo
// submissions fail.
func New(reg *schema.Registry, records, demo *table.Table, opts ...Option) *Pipeline {
	p := &Pipeline{
		reg:     reg,
		records: records,
		demo:    demo,
		logger:  zap.NewNop(),
		zone:    time.FixedZone("UTC+9", 9*3600),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.engine = flatten.New(reg, flatten.WithLogger(p.logger))
	p.applier = apply.New(reg, apply.WithLogger(p.logger))
	return p
}

// Table returns the table behind target, or nil.
func (p *Pipeline) Table(target Target) *table.Table {
	if target == Demo {
		return p.demo
	}
	return p.records
}

// Ingest normalizes sub and upserts it.
func (p *Pipeline) Ingest(ctx context.Context, sub Submission) (Result, error) {
	target := sub.Target
	if target == "" {
		target = Records
	}
	tbl := p.Table(target)
	if tbl == nil {
		return Result{}, fmt.Errorf("ingest: no %s table configured", target)
	}

	payload, fieldTypes := splitFieldTypes(sub.Payload)
	if sub.FieldTypes != nil {
		fieldTypes = sub.FieldTypes
	}
	formID := strings.ToLower(strings.TrimSpace(sub.FormID))
	if formID == "" {
		formID = strings.ToLower(strings.TrimSpace(record.FromAny(payload["form_id"]).String()))
	}
	if formID == "" && target == Demo {
		formID = DemoFormID
	}
	form, known := p.reg.Form(formID)
	if !known && target == Records {
		p.metrics.Submission(formID, tbl.Name(), "unknown_form")
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownForm, formID)
	}

	in := record.FromJSON(payload)
	id, ok := resolveIdentity(sub.Hints, in)
	if !ok {
		p.metrics.Submission(formID, tbl.Name(), "identity_missing")
		return Result{}, fmt.Errorf("ingest %s: %w", formID, ErrIdentityMissing)
	}

	var (
		row   record.Row
		drift apply.Drift
	)
	if known {
		in = apply.Rename(form, in)
	}
	flat, report := p.engine.Flatten(in, fieldTypes)
	if known {
		var err error
		if row, drift, err = p.applier.Apply(formID, flat); err != nil {
			return Result{}, err
		}
	} else {
		row = p.passthrough(flat)
	}

	stamped := p.now().In(p.zone).Format(TimestampLayout)
	b := record.From(row)
	b.Set("timestamp", record.Scalar(stamped))
	if id.office != "" {
		b.Set("office_id", record.Scalar(id.office))
	}
	if id.personal != "" {
		b.Set("personal_id", record.Scalar(id.personal))
	}
	b.Set("user_id", record.Scalar(id.user))
	row = b.Row()

	start := time.Now()
	res, err := tbl.Upsert(ctx, row)
	p.metrics.ObserveUpsert(tbl.Name(), time.Since(start))
	if err != nil {
		p.metrics.Submission(formID, tbl.Name(), "error")
		if errors.Is(err, table.ErrIdentityMissing) {
			return Result{}, fmt.Errorf("ingest %s: %w", formID, err)
		}
		return Result{}, fmt.Errorf("ingest %s: store %s: %w", formID, tbl.Name(), err)
	}

	out := Result{
		Row:      row,
		Key:      res.Key,
		Table:    tbl.Name(),
		Inserted: res.Inserted,
		Rebuilt:  res.Rebuilt,
		Drift:    drift,
		Unknown:  report.Unknown,
	}
	p.afterCommit(ctx, formID, id.user, tbl, out)
	return out, nil
}

// passthrough keeps a flattened row for a form outside the registry,
// minus the purged legacy columns.
func (p *Pipeline) passthrough(flat record.Row) record.Row {
	var purged []string
	for _, k := range flat.Keys() {
		if p.reg.Purged(k) {
			purged = append(purged, k)
		}
	}
	return flat.Without(purged...)
}

// afterCommit runs the hooks that must never fail an accepted submission.
func (p *Pipeline) afterCommit(ctx context.Context, formID, userID string, tbl *table.Table, res Result) {
	p.metrics.Submission(formID, tbl.Name(), "ok")
	p.metrics.Drift(formID, len(res.Drift))
	if res.Rebuilt {
		p.metrics.Rebuilt(tbl.Name())
	}
	for _, u := range res.Unknown {
		p.metrics.UnknownToken(u.Field)
		p.logger.Warn("ingest: unknown token zero-filled",
			zap.String("form", formID),
			zap.String("field", u.Field),
			zap.String("token", u.Token),
			zap.String("key", res.Key))
	}

	if p.mirror != nil {
		sub, err := mirror.NewSubmission(formID, userID, tbl.Name(), p.now(), res.Row)
		if err == nil {
			err = p.mirror.Record(ctx, sub)
		}
		if err != nil {
			p.metrics.MirrorFailure(p.mirror.Driver())
			p.logger.Warn("ingest: mirror write failed",
				zap.String("form", formID),
				zap.String("key", res.Key),
				zap.String("driver", p.mirror.Driver()),
				zap.Error(err))
		}
	}

	if p.onCommit {
		if _, err := p.snap.Publish(ctx, tbl.Name(), tbl); err != nil {
			p.metrics.Snapshot("error")
			p.logger.Warn("ingest: snapshot failed", zap.String("table", tbl.Name()), zap.Error(err))
		} else {
			p.metrics.Snapshot("ok")
		}
	}
}

// Row reads back the stored row for userID.
func (p *Pipeline) Row(ctx context.Context, target Target, userID string) (record.Row, error) {
	tbl := p.Table(target)
	if tbl == nil {
		return record.Row{}, fmt.Errorf("no %s table configured", target)
	}
	return tbl.Get(ctx, userID)
}

type identity struct {
	user     string
	office   string
	personal string
}

// resolveIdentity picks user_id, else office_id + "_" + personal_id
// (person_id is accepted for personal_id). Hints win over the payload.
func resolveIdentity(hints map[string]string, row record.Row) (identity, bool) {
	lookup := func(keys ...string) string {
		for _, k := range keys {
			if v := strings.TrimSpace(hints[k]); v != "" {
				return v
			}
		}
		for _, k := range keys {
			v, ok := row.Get(k)
			if !ok || v.IsList() {
				continue
			}
			if s := strings.TrimSpace(v.String()); s != "" {
				return s
			}
		}
		return ""
	}
	id := identity{
		user:     lookup("user_id"),
		office:   lookup("office_id"),
		personal: lookup("personal_id", "person_id"),
	}
	if id.user == "" && id.office != "" && id.personal != "" {
		id.user = id.office + "_" + id.personal
	}
	return id, id.user != ""
}

// splitFieldTypes removes a "field_types" object from payload.
func splitFieldTypes(payload map[string]any) (map[string]any, flatten.Hints) {
	raw, ok := payload["field_types"]
	if !ok {
		return payload, nil
	}
	out := make(map[string]any, len(payload)-1)
	for k, v := range payload {
		if k != "field_types" {
			out[k] = v
		}
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return out, nil
	}
	hints := make(flatten.Hints, len(m))
	for k, v := range m {
		if s, ok := v.(string); ok {
			hints[k] = s
		}
	}
	return out, hints
}
