package stage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"

	"github.com/hazyhaar/feedpipe/feedpipe/internal/feed"
	"github.com/hazyhaar/feedpipe/feedpipe/internal/fetch"
	"github.com/hazyhaar/feedpipe/feedpipe/internal/load"
	"github.com/hazyhaar/feedpipe/feedpipe/internal/manifest"
	"github.com/hazyhaar/feedpipe/feedpipe/internal/state"
	"github.com/hazyhaar/feedpipe/feedpipe/internal/transform"
)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// report renders one document whose items are keyed by day and interval.
// A negative interval produces an item without INTERVAL_START_GMT.
func report(day string, intervals ...int) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0"?><OASISReport><MessageHeader><TimeDate>2019-05-13T14:30:00-00:00</TimeDate><Source>OASIS</Source></MessageHeader><MessagePayload><RTO><name>CAISO</name>`)
	for _, n := range intervals {
		b.WriteString("<REPORT_ITEM><REPORT_DATA><DATA_ITEM>RU</DATA_ITEM>")
		if n >= 0 {
			fmt.Fprintf(&b, "<INTERVAL_START_GMT>%sT%02d:00:00-00:00</INTERVAL_START_GMT>", day, n)
		}
		fmt.Fprintf(&b, "<VALUE>%d</VALUE></REPORT_DATA></REPORT_ITEM>", n)
	}
	b.WriteString(`</RTO></MessagePayload></OASISReport>`)
	return b.String()
}

type fixture struct {
	fc   *feed.Context
	m    *manifest.Manifest
	hits *atomic.Int32
	b    *Builtins
}

// newFixture creates a feed whose url serves one zip per day, each holding
// one document with two items.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	hits := &atomic.Int32{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		day := r.URL.Query().Get("start")
		zw := zip.NewWriter(w)
		f, _ := zw.Create("nested/" + day + ".xml")
		io.WriteString(f, report(day[:4]+"-"+day[4:6]+"-"+day[6:], 8, 9))
		zw.Close()
	}))
	t.Cleanup(srv.Close)

	root := filepath.Join(t.TempDir(), "caiso-mileage")
	if err := os.MkdirAll(root, 0o755); err != nil {
		t.Fatal(err)
	}
	m := &manifest.Manifest{
		Name:  "caiso-mileage",
		Table: "oasis",
		Columns: []manifest.Column{
			{Name: "data_item"},
			{Name: "interval_start_posix", Type: "INTEGER"},
			{Name: "value"},
		},
		NaturalKey: []string{"data_item", "interval_start_posix"},
		URL:        srv.URL + "/?start=_START_&end=_END_",
		StartDate:  []int{2019, 1, 1},
	}
	data, _ := json.Marshal(m)
	os.WriteFile(filepath.Join(root, feed.ManifestFile), data, 0o644)

	b := &Builtins{
		Fetcher:     fetch.New(fetch.Config{WaitMin: time.Millisecond, WaitMax: time.Millisecond}, quiet()),
		Transformer: transform.New(transform.DefaultPlan(), quiet()),
		Now:         func() time.Time { return time.Date(2019, 1, 4, 12, 0, 0, 0, time.UTC) },
	}
	return &fixture{fc: feed.New(root), m: m, hits: hits, b: b}
}

func (fx *fixture) run(t *testing.T, stages []Stage) (*Run, error) {
	t.Helper()
	r := NewRunner(WithConsole(io.Discard), WithLogger(quiet()))
	return r.Run(context.Background(), fx.fc, fx.m, stages)
}

func (fx *fixture) counts(t *testing.T) [4]int64 {
	t.Helper()
	var c [4]int64
	for i, f := range []string{fx.fc.Acquired, fx.fc.Extracted, fx.fc.Loaded} {
		n, err := state.Count(f)
		if err != nil {
			t.Fatal(err)
		}
		c[i] = int64(n)
	}
	rows, err := load.CountFile(context.Background(), fx.fc.DBPath, "oasis")
	if err != nil {
		rows = -1
	}
	c[3] = rows
	return c
}

func TestRunner_BuiltinPipeline(t *testing.T) {
	fx := newFixture(t)
	run, err := fx.run(t, fx.b.Default())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if run.State != Published || len(run.Steps) != 4 {
		t.Fatalf("state=%s steps=%d", run.State, len(run.Steps))
	}
	if got := fx.counts(t); got != [4]int64{3, 3, 3, 6} {
		t.Fatalf("counts = %v, want [3 3 3 6]", got)
	}
	if _, err := os.Stat(filepath.Join(fx.fc.XMLDir, "20190102.xml")); err != nil {
		t.Errorf("nested zip member not flattened: %v", err)
	}
	if data, _ := os.ReadFile(fx.fc.LogPath); !bytes.Contains(data, []byte("loaded 20190101.xml")) {
		t.Errorf("pipeline.log missing load output:\n%s", data)
	}
}

func TestRunner_Idempotent(t *testing.T) {
	// WHAT: A second run over unchanged inputs changes nothing.
	// WHY: Reruns are the recovery mechanism; they must not duplicate rows
	// or state entries.
	fx := newFixture(t)
	if _, err := fx.run(t, fx.b.Default()); err != nil {
		t.Fatal(err)
	}
	first := fx.counts(t)
	loaded1, _ := os.ReadFile(fx.fc.Loaded)
	hits := fx.hits.Load()

	if _, err := fx.run(t, fx.b.Default()); err != nil {
		t.Fatalf("rerun: %v", err)
	}
	if second := fx.counts(t); second != first {
		t.Errorf("counts changed: %v -> %v", first, second)
	}
	if loaded2, _ := os.ReadFile(fx.fc.Loaded); !bytes.Equal(loaded1, loaded2) {
		t.Errorf("inserted.txt changed:\n%s\n--\n%s", loaded1, loaded2)
	}
	if fx.hits.Load() != hits {
		t.Errorf("rerun downloaded again: %d -> %d requests", hits, fx.hits.Load())
	}
}

func TestRunner_Resume(t *testing.T) {
	// WHAT: After a run stopped past extract, the rerun skips acquire and
	// extract work and completes load and publish.
	// WHY: Killing the orchestrator must leave a resumable feed.
	fx := newFixture(t)
	if _, err := fx.run(t, Only(fx.b.Default(), KindAcquire, KindExtract)); err != nil {
		t.Fatal(err)
	}
	before := fx.counts(t)
	if before != [4]int64{3, 3, 0, -1} {
		t.Fatalf("after partial run: %v", before)
	}
	hits := fx.hits.Load()

	run, err := fx.run(t, fx.b.Default())
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	after := fx.counts(t)
	if after[0] != before[0] || after[1] != before[1] || fx.hits.Load() != hits {
		t.Errorf("acquire/extract redone: %v -> %v", before, after)
	}
	if after[2] != 3 || after[3] != 6 || run.State != Published {
		t.Errorf("load not completed: %v state=%s", after, run.State)
	}
}

// rejectValue switches the fixture to verbatim statements on a table that
// refuses VALUE 3, so a batch fails on a real constraint.
func rejectValue(fx *fixture) {
	fx.m.Columns, fx.m.NaturalKey = nil, nil
	fx.m.DDLCreate = manifest.Statement(`CREATE TABLE IF NOT EXISTS oasis (
		data_item TEXT, interval_start_posix INTEGER, value TEXT CHECK (value <> '3'))`)
	fx.m.SQLInsert = manifest.Statement(`INSERT INTO oasis VALUES (:data_item, :interval_start_posix, :value)`)
}

func TestLoad_AtomicBatch(t *testing.T) {
	// WHAT: A batch where item 3 of 5 violates a table constraint commits
	// nothing and records none of its documents.
	// WHY: The state file must never claim documents whose rows are missing.
	fx := newFixture(t)
	rejectValue(fx)
	os.MkdirAll(fx.fc.XMLDir, 0o755)
	os.WriteFile(filepath.Join(fx.fc.XMLDir, "a.xml"), []byte(report("2019-01-01", 1, 2)), 0o644)
	os.WriteFile(filepath.Join(fx.fc.XMLDir, "b.xml"), []byte(report("2019-01-02", 1, 2, 3, 4, 5)), 0o644)

	stg := &Load{Transformer: fx.b.Transformer, BatchDocuments: 2}
	run, err := fx.run(t, []Stage{stg})

	var serr *StageError
	if !errors.As(err, &serr) || serr.Stage != "load" || serr.Feed != "caiso-mileage" {
		t.Fatalf("err = %v, want StageError for load", err)
	}
	if msg := err.Error(); !strings.HasPrefix(msg, "caiso-mileage: load: batch a.xml..b.xml: ") ||
		strings.Contains(msg, "load: load:") {
		t.Errorf("error message = %q", msg)
	}
	if run.State != Failed {
		t.Errorf("state = %s, want failed", run.State)
	}
	if got := fx.counts(t); got[2] != 0 || got[3] != 0 {
		t.Errorf("loaded=%d rows=%d, want 0 and 0", got[2], got[3])
	}
}

func TestLoad_BatchesCommitIndependently(t *testing.T) {
	fx := newFixture(t)
	rejectValue(fx)
	os.MkdirAll(fx.fc.XMLDir, 0o755)
	os.WriteFile(filepath.Join(fx.fc.XMLDir, "a.xml"), []byte(report("2019-01-01", 1, 2)), 0o644)
	os.WriteFile(filepath.Join(fx.fc.XMLDir, "b.xml"), []byte(report("2019-01-02", 1, 3)), 0o644)

	_, err := fx.run(t, []Stage{&Load{Transformer: fx.b.Transformer}})
	if err == nil {
		t.Fatal("expected failure on b.xml")
	}
	recorded, _ := state.Read(fx.fc.Loaded)
	if len(recorded) != 1 || recorded[0] != "a.xml" {
		t.Errorf("recorded = %v, want [a.xml]", recorded)
	}
	if got := fx.counts(t); got[3] != 2 {
		t.Errorf("rows = %d, want 2", got[3])
	}
}

func TestLoad_SkipsItemsWithoutKey(t *testing.T) {
	// WHAT: An item missing a natural-key value is skipped; its document and
	// the documents after it load and are recorded.
	// WHY: One keyless item must not block the feed on every rerun.
	fx := newFixture(t)
	os.MkdirAll(fx.fc.XMLDir, 0o755)
	os.WriteFile(filepath.Join(fx.fc.XMLDir, "a.xml"), []byte(report("2019-01-01", 1, 2)), 0o644)
	os.WriteFile(filepath.Join(fx.fc.XMLDir, "b.xml"), []byte(report("2019-01-02", 1, -1)), 0o644)
	os.WriteFile(filepath.Join(fx.fc.XMLDir, "c.xml"), []byte(report("2019-01-03", 3, 4)), 0o644)

	for i := 0; i < 2; i++ {
		if _, err := fx.run(t, []Stage{&Load{Transformer: fx.b.Transformer}}); err != nil {
			t.Fatalf("run %d: %v", i+1, err)
		}
	}
	recorded, _ := state.Read(fx.fc.Loaded)
	if strings.Join(recorded, ",") != "a.xml,b.xml,c.xml" {
		t.Errorf("recorded = %v", recorded)
	}
	if got := fx.counts(t); got[3] != 5 {
		t.Errorf("rows = %d, want 5", got[3])
	}
	if data, _ := os.ReadFile(fx.fc.LogPath); !bytes.Contains(data, []byte("skipped 1 items of b.xml")) {
		t.Errorf("pipeline.log missing skip line:\n%s", data)
	}
}

// writeZip writes an archive holding one member per name/content pair.
func writeZip(t *testing.T, path string, members ...string) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	zw := zip.NewWriter(f)
	for i := 0; i+1 < len(members); i += 2 {
		w, err := zw.Create(members[i])
		if err != nil {
			t.Fatal(err)
		}
		io.WriteString(w, members[i+1])
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	f.Close()
}

func TestExtract_SameMemberNameInTwoArchives(t *testing.T) {
	// WHAT: Two archives holding different report.xml members both reach the
	// database; re-extracting after lost state adds no files.
	// WHY: Flattening member names must not overwrite earlier data.
	fx := newFixture(t)
	os.MkdirAll(fx.fc.ZipDir, 0o755)
	writeZip(t, filepath.Join(fx.fc.ZipDir, "20190101.zip"), "report.xml", report("2019-01-01", 1, 2))
	writeZip(t, filepath.Join(fx.fc.ZipDir, "20190102.zip"), "out/report.xml", report("2019-01-02", 1, 2))

	stages := []Stage{&Extract{}, &Load{Transformer: fx.b.Transformer}}
	if _, err := fx.run(t, stages); err != nil {
		t.Fatal(err)
	}
	if got := fx.counts(t); got[1] != 2 || got[2] != 2 || got[3] != 4 {
		t.Fatalf("counts = %v, want 2 extracted, 2 loaded, 4 rows", got)
	}
	if _, err := os.Stat(filepath.Join(fx.fc.XMLDir, "20190102_report.xml")); err != nil {
		t.Errorf("second member not renamed: %v", err)
	}

	os.Remove(fx.fc.Extracted)
	if _, err := fx.run(t, []Stage{&Extract{}}); err != nil {
		t.Fatalf("re-extract: %v", err)
	}
	xmls, _ := filepath.Glob(filepath.Join(fx.fc.XMLDir, "*.xml"))
	if len(xmls) != 2 {
		t.Errorf("xml files after re-extract = %v", xmls)
	}
}

func TestExtract_NameConflict(t *testing.T) {
	fx := newFixture(t)
	os.MkdirAll(fx.fc.ZipDir, 0o755)
	writeZip(t, filepath.Join(fx.fc.ZipDir, "20190101.zip"),
		"a/report.xml", report("2019-01-01", 1),
		"b/report.xml", report("2019-01-01", 2),
		"c/report.xml", report("2019-01-01", 3))

	_, err := fx.run(t, []Stage{&Extract{}})
	if !errors.Is(err, ErrNameConflict) {
		t.Fatalf("err = %v, want ErrNameConflict", err)
	}
	if n, _ := state.Count(fx.fc.Extracted); n != 0 {
		t.Errorf("conflicting archive recorded as extracted")
	}
}

func TestLoad_SkipsMalformedDocument(t *testing.T) {
	fx := newFixture(t)
	os.MkdirAll(fx.fc.XMLDir, 0o755)
	os.WriteFile(filepath.Join(fx.fc.XMLDir, "a.xml"), []byte("<OASISReport><Mess"), 0o644)
	os.WriteFile(filepath.Join(fx.fc.XMLDir, "b.xml"), []byte(report("2019-01-02", 1, 2)), 0o644)

	if _, err := fx.run(t, []Stage{&Load{Transformer: fx.b.Transformer}}); err != nil {
		t.Fatalf("malformed document must not fail the stage: %v", err)
	}
	if got := fx.counts(t); got[2] != 2 || got[3] != 2 {
		t.Errorf("loaded=%d rows=%d, want 2 and 2", got[2], got[3])
	}
}

func writeScript(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatal(err)
	}
}

func TestRunner_ScriptFailureAborts(t *testing.T) {
	// WHAT: A non-zero exit stops the run; later scripts never start.
	// WHY: A failed extract must not be followed by a load of stale input.
	root := filepath.Join(t.TempDir(), "scripted")
	src := filepath.Join(root, feed.SrcDir)
	writeScript(t, src, "10_down.sh", "echo downloading; touch one")
	writeScript(t, src, "20_unzp.sh", "echo broken >&2; exit 3")
	writeScript(t, src, "30_inse.sh", "touch three")

	fc := feed.New(root)
	m := &manifest.Manifest{Name: "scripted"}
	stages, err := Plan(fc, m, &Builtins{})
	if err != nil {
		t.Fatal(err)
	}
	if len(stages) != 3 || stages[0].Kind() != KindScript {
		t.Fatalf("plan = %v", stages)
	}

	var console bytes.Buffer
	run, err := NewRunner(WithConsole(&console), WithLogger(quiet())).Run(context.Background(), fc, m, stages)

	var serr *StageError
	if !errors.As(err, &serr) {
		t.Fatalf("err = %v, want *StageError", err)
	}
	if serr.Stage != "20_unzp.sh" || serr.ExitCode != 3 {
		t.Errorf("stage=%s exit=%d", serr.Stage, serr.ExitCode)
	}
	if run.State != Failed || len(run.Steps) != 2 {
		t.Errorf("state=%s steps=%d", run.State, len(run.Steps))
	}
	if _, err := os.Stat(filepath.Join(root, "one")); err != nil {
		t.Error("first script did not run in the feed root")
	}
	if _, err := os.Stat(filepath.Join(root, "three")); err == nil {
		t.Error("script after the failure ran")
	}
	for _, want := range []string{"downloading", "broken"} {
		if !strings.Contains(console.String(), want) {
			t.Errorf("console missing %q", want)
		}
		if data, _ := os.ReadFile(fc.LogPath); !strings.Contains(string(data), want) {
			t.Errorf("pipeline.log missing %q", want)
		}
	}
}

func TestRunner_StateFollowsPhases(t *testing.T) {
	root := filepath.Join(t.TempDir(), "phases")
	src := filepath.Join(root, feed.SrcDir)
	writeScript(t, src, "10_down.sh", "true")
	writeScript(t, src, "30_inse.sh", "exit 1")

	fc := feed.New(root)
	m := &manifest.Manifest{Name: "phases"}
	stages, _ := Plan(fc, m, &Builtins{})
	run, err := NewRunner(WithConsole(io.Discard), WithLogger(quiet())).Run(context.Background(), fc, m, stages)
	if err == nil || run.State != Failed {
		t.Fatalf("err=%v state=%s", err, run.State)
	}
	if run.Steps[1].Kind != KindScript || run.Steps[1].Error == "" {
		t.Errorf("steps = %+v", run.Steps)
	}
}

func TestPlan_Precedence(t *testing.T) {
	root := filepath.Join(t.TempDir(), "p")
	fc := feed.New(root)
	b := &Builtins{}

	// No scripts, no override: typed pipeline.
	stages, err := Plan(fc, &manifest.Manifest{Name: "p"}, b)
	if err != nil {
		t.Fatal(err)
	}
	kinds := func(ss []Stage) string {
		var out []string
		for _, s := range ss {
			out = append(out, string(s.Kind()))
		}
		return strings.Join(out, ",")
	}
	if got := kinds(stages); got != "acquire,extract,load,publish" {
		t.Errorf("default plan = %s", got)
	}

	writeScript(t, fc.SrcDir, "20_unzp.sh", "true")
	writeScript(t, fc.SrcDir, "10_down.sh", "true")
	stages, _ = Plan(fc, &manifest.Manifest{Name: "p"}, b)
	if len(stages) != 2 || stages[0].Name() != "10_down.sh" {
		t.Errorf("script plan = %v", stages)
	}

	m := &manifest.Manifest{Name: "p", Stages: []manifest.StageSpec{
		{Kind: "script", Path: "src/10_down.sh"},
		{Kind: "load"},
	}}
	stages, err = Plan(fc, m, b)
	if err != nil {
		t.Fatal(err)
	}
	if got := kinds(stages); got != "script,load" {
		t.Errorf("override plan = %s", got)
	}

	m.Stages = []manifest.StageSpec{{Kind: "script", Path: "../escape.sh"}}
	if _, err := Plan(fc, m, b); !errors.Is(err, feed.ErrPathTraversal) {
		t.Errorf("escaping script path: err = %v", err)
	}
}

func TestPhaseFromName(t *testing.T) {
	tests := []struct {
		name  string
		index int
		want  Kind
	}{
		{"10_down.py", 0, KindAcquire},
		{"20_unzp.py", 0, KindExtract},
		{"30_inse.py", 0, KindLoad},
		{"40_save.sh", 0, KindPublish},
		{"99_extra.sh", 0, KindPublish},
		{"fetch.sh", 1, KindExtract},
		{"other.sh", 7, KindPublish},
	}
	for _, tt := range tests {
		if got := phaseFromName(tt.name, tt.index); got != tt.want {
			t.Errorf("phaseFromName(%q, %d) = %s, want %s", tt.name, tt.index, got, tt.want)
		}
	}
}

type recordingSnapshot struct{ called bool }

func (r *recordingSnapshot) Snapshot(_ context.Context, fc *feed.Context) (string, error) {
	r.called = true
	return fc.Name + ".tar.gz", nil
}

func TestPublish(t *testing.T) {
	fx := newFixture(t)
	snap := &recordingSnapshot{}
	if _, err := fx.run(t, []Stage{&Publish{Snapshot: snap}}); err != nil {
		t.Fatal(err)
	}
	if !snap.called {
		t.Error("snapshot not taken")
	}
}
