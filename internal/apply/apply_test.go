package apply

import (
	"errors"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"surveycore/internal/flatten"
	"surveycore/internal/record"
	"surveycore/internal/schema"
)

var (
	regOnce sync.Once
	regVal  *schema.Registry
	regErr  error
)

func testRegistry(t *testing.T) *schema.Registry {
	t.Helper()
	regOnce.Do(func() { regVal, regErr = schema.Load() })
	if regErr != nil {
		t.Fatalf("load registry: %v", regErr)
	}
	return regVal
}

// run flattens payload and applies formID, the way ingestion does.
func run(t *testing.T, formID string, payload map[string]any) (record.Row, Drift) {
	t.Helper()
	reg := testRegistry(t)
	in := record.FromJSON(payload)
	if f, ok := reg.Form(formID); ok {
		in = Rename(f, in)
	}
	flat, _ := flatten.New(reg).Flatten(in, nil)
	out, drift, err := New(reg).Apply(formID, flat)
	if err != nil {
		t.Fatalf("apply %s: %v", formID, err)
	}
	return out, drift
}

func TestApplyUnknownForm(t *testing.T) {
	_, _, err := New(testRegistry(t)).Apply("form99", record.Row{})
	if !errors.Is(err, ErrUnknownForm) {
		t.Fatalf("err = %v, want ErrUnknownForm", err)
	}
}

func TestApplyGroupCompleteness(t *testing.T) {
	reg := testRegistry(t)
	a := New(reg)
	for _, f := range reg.Forms() {
		out, drift, err := a.Apply(f.ID, record.Row{})
		if err != nil {
			t.Fatalf("apply %s: %v", f.ID, err)
		}
		if len(drift) != 0 {
			t.Fatalf("%s: drift on empty row: %v", f.ID, drift)
		}
		if diff := cmp.Diff(f.Columns, out.Keys()); diff != "" {
			t.Fatalf("%s columns (-want +got):\n%s", f.ID, diff)
		}
		for _, g := range f.Groups {
			for _, col := range g.Columns() {
				if got := out.Value(col).String(); got != "0" {
					t.Fatalf("%s: %s = %q, want 0", f.ID, col, got)
				}
			}
		}
		for col := range f.Text {
			if v := out.Value(col); v.Kind() != record.KindText || v.String() != "" {
				t.Fatalf("%s: text column %s = %v %q", f.ID, col, v.Kind(), v.String())
			}
		}
	}
}

func TestApplySexScenario(t *testing.T) {
	out, drift := run(t, "form0", map[string]any{"user_id": "u1", "sex": "女"})
	want := map[string]string{"sex_male": "0", "sex_female": "1", "sex_unspecified": "0", "sex_NA": "0"}
	for col, v := range want {
		if got := out.Value(col).String(); got != v {
			t.Fatalf("%s = %q, want %q", col, got, v)
		}
	}
	if out.Has("sex_女") || out.Has("sex") {
		t.Fatalf("raw sex columns leaked: %v", out.Keys())
	}
	if len(drift) != 0 {
		t.Fatalf("drift = %v", drift)
	}
	if keys := out.Keys(); keys[0] != "user_id" {
		t.Fatalf("identity column not first: %v", keys[:3])
	}
}

func TestApplyIndexShiftIsSingle(t *testing.T) {
	out, _ := run(t, "form5", map[string]any{"relationship_status": "2", "consultation_status": "1"})
	want := map[string]string{
		"relationship_status_0": "0",
		"relationship_status_1": "1",
		"relationship_status_2": "0",
		"relationship_status_3": "0",
		"consultation_status_0": "1",
		"consultation_status_1": "0",
	}
	for col, v := range want {
		if got := out.Value(col).String(); got != v {
			t.Fatalf("%s = %q, want %q", col, got, v)
		}
	}
}

func TestApplyRawGroupValues(t *testing.T) {
	reg := testRegistry(t)
	a := New(reg)

	in := record.FromJSON(map[string]any{"supporter": "民生委員"})
	out, _, err := a.Apply("form5", in)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if out.Value("supporter_minsei").String() != "1" || out.Value("supporter_family").String() != "0" {
		t.Fatalf("supporter alias not resolved: %v", out.Strings())
	}

	in = record.FromJSON(map[string]any{"pain": "5", "fatigue": "7", "drowsiness": "drowsiness_2"})
	out, _, err = a.Apply("form18", in)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	for col, v := range map[string]string{"pain_5": "1", "pain_4": "0", "fatigue_score_7": "1", "drowsiness_2": "1"} {
		if got := out.Value(col).String(); got != v {
			t.Fatalf("%s = %q, want %q", col, got, v)
		}
	}
}

func TestApplyListAlias(t *testing.T) {
	out, _ := run(t, "form5", map[string]any{"supporter": []any{"家族（身内・親族）", "ボランティア"}})
	for col, v := range map[string]string{"supporter_family": "1", "supporter_volunteer": "1", "supporter_friend": "0"} {
		if got := out.Value(col).String(); got != v {
			t.Fatalf("%s = %q, want %q", col, got, v)
		}
	}
}

func TestApplyDerivedRules(t *testing.T) {
	cases := []struct {
		form    string
		payload map[string]any
		want    map[string]string
	}{
		{"form12", map[string]any{"npiq_delusion": "2", "npiq_apathy": "3", "npiq_anxiety": "0"},
			map[string]string{"npiq_total_score": "5"}},
		{"form11", map[string]any{"m_health_1": "1", "m_health_3": "1", "m_health_4": "2"},
			map[string]string{"a_positive_count": "2"}},
		{"form4", map[string]any{"has_caregiver": "1", "care_burden_work": "3"},
			map[string]string{"has_caregiver1": "1", "has_caregiver0": "0", "care_burden_impact_3": "1", "care_burden_impact_0": "0"}},
		{"form19", map[string]any{"height_decrease": "2", "back_curv": "あり", "back_pain": "0"},
			map[string]string{"height_decrease_check": "1", "back_curved": "1", "back_pain": "0"}},
		{"form0", map[string]any{"requestor_tel": "0312345678", "requestor_fax": "03-1234"},
			map[string]string{"requestor_tel": "'0312345678", "requestor_fax": "'03-1234"}},
		{"form2", map[string]any{"expensive_cost_usage": "1a", "expensive_cost_reason": "入院"},
			map[string]string{"expensive_cost_usage_1a": "1", "expensive_cost_reason": ""}},
		{"form2", map[string]any{"expensive_cost_usage": "2b", "expensive_cost_reason": "入院"},
			map[string]string{"expensive_cost_reason": "入院"}},
		{"form6", map[string]any{"smoking_amount": "20", "smoking_years": "30"},
			map[string]string{"brinkman_index": "600"}},
		{"form6", map[string]any{"smoking_amount": "20.5", "smoking_years": "10"},
			map[string]string{"brinkman_index": "200"}},
		{"form6", map[string]any{"smoking_amount": "0", "smoking_years": "10"},
			map[string]string{"brinkman_index": ""}},
		{"form6", map[string]any{"smoking_amount": "-2", "smoking_years": "-5"},
			map[string]string{"brinkman_index": ""}},
		{"form6", map[string]any{"smoking_amount": "10", "smoking_years": "5", "brinkman_index": "120"},
			map[string]string{"brinkman_index": "120"}},
		{"form0", map[string]any{"interview_location": "その他", "interview_location_other": "公民館"},
			map[string]string{"interview_location_other_flag": "1", "interview_location_other_text": "公民館"}},
	}
	for _, tc := range cases {
		out, _ := run(t, tc.form, tc.payload)
		for col, v := range tc.want {
			if got := out.Value(col).String(); got != v {
				t.Fatalf("%s %v: %s = %q, want %q", tc.form, tc.payload, col, got, v)
			}
		}
	}
}

func TestApplyProjectionAndDrift(t *testing.T) {
	out, drift := run(t, "form13", map[string]any{
		"office_id":   "A01",
		"personal_id": "9",
		"gaf_score":   "",
		"gaf_note":    "",
		"stray_field": "x",
	})
	if keys := out.Keys(); keys[0] != "office_id" || keys[1] != "personal_id" {
		t.Fatalf("identity columns not leading: %v", keys)
	}
	if v := out.Value("gaf_score"); v.String() != "0" {
		t.Fatalf("blank numeric = %q, want 0", v.String())
	}
	if v := out.Value("gaf_note"); v.Kind() != record.KindText || v.String() != "" {
		t.Fatalf("blank text = %v %q", v.Kind(), v.String())
	}
	if diff := cmp.Diff(Drift{"stray_field"}, drift); diff != "" {
		t.Fatalf("drift (-want +got):\n%s", diff)
	}
}

func TestRenameSkipsNonGroupSuffix(t *testing.T) {
	f, _ := testRegistry(t).Form("form18")
	in := record.FromJSON(map[string]any{"fatigue": "3", "fatigue_detail": "x", "physical_activity_4": "1"})
	out := Rename(f, in)
	for _, k := range []string{"fatigue_score", "fatigue_detail", "physical_activity_f18_4"} {
		if !out.Has(k) {
			t.Fatalf("missing %s in %v", k, out.Keys())
		}
	}
}

func TestNeedsTextGuard(t *testing.T) {
	cases := map[string]bool{"0312": true, "1234": true, "03-12": true, "12-34": false, "'0312": false, "": false, "abc": false}
	for in, want := range cases {
		if got := needsTextGuard(in); got != want {
			t.Fatalf("needsTextGuard(%q) = %v", in, got)
		}
	}
}
