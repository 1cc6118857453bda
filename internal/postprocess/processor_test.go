package postprocess

import (
	"context"
	"controlplane/internal/apperrors"
	"controlplane/internal/job"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"
)

type memReader map[string][]byte

func (m memReader) Read(ctx context.Context, ref string, limit int64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, ok := m[ref]
	if !ok {
		return nil, apperrors.NotFound("payload", ref)
	}
	if limit > 0 && int64(len(data)) > limit {
		return nil, errors.New("too large")
	}
	return data, nil
}

type blockingReader struct{}

func (blockingReader) Read(ctx context.Context, _ string, _ int64) ([]byte, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type memSchemas map[job.ConnectionID][]byte

func (m memSchemas) LatestSchema(_ context.Context, conn job.ConnectionID) ([]byte, error) {
	return m[conn], nil
}

func mustEnvelope(t *testing.T, algorithm, body string, stats *SyncStats) []byte {
	t.Helper()
	data, err := NewEnvelope(algorithm, []byte(body), stats)
	if err != nil {
		t.Fatalf("NewEnvelope() error = %v", err)
	}
	return data
}

func ptr(v int64) *int64 { return &v }

func assertExactlyOne(t *testing.T, r Result) {
	t.Helper()
	out, ok1 := r.Output()
	f, ok2 := r.Failure()
	if ok1 == ok2 {
		t.Fatalf("result must hold exactly one of output/failure: output=%v failure=%v", out, f)
	}
}

func TestProcess_Checksum(t *testing.T) {
	t.Parallel()

	good := mustEnvelope(t, AlgorithmSHA256, `{"records": 10, "note": "<ok> & fine"}`, nil)
	goodXX := mustEnvelope(t, AlgorithmXXH64, `{"records":10}`, nil)
	tampered := strings.Replace(string(good), `"records":10`, `"records":11`, 1)

	reader := memReader{
		"mem://good":       good,
		"mem://xxh":        goodXX,
		"mem://tampered":   []byte(tampered),
		"mem://garbage":    []byte("not json"),
		"mem://nochecksum": []byte(`{"body":{}}`),
		"mem://badalgo":    []byte(`{"checksum":{"algorithm":"md5","value":"00"},"body":{}}`),
	}
	p := New(reader, nil, Config{}, nil)

	tests := []struct {
		name       string
		ref        string
		wantReason job.FailureReason
	}{
		{name: "sha256", ref: "mem://good"},
		{name: "xxh64", ref: "mem://xxh"},
		{name: "mismatch", ref: "mem://tampered", wantReason: job.ReasonChecksumInvalid},
		{name: "malformed", ref: "mem://garbage", wantReason: job.ReasonChecksumInvalid},
		{name: "missing checksum", ref: "mem://nochecksum", wantReason: job.ReasonChecksumInvalid},
		{name: "unknown algorithm", ref: "mem://badalgo", wantReason: job.ReasonChecksumInvalid},
		{name: "no payload ref", ref: "", wantReason: job.ReasonChecksumInvalid},
		{name: "unreadable", ref: "mem://missing", wantReason: job.ReasonInfraTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			res := p.Process(context.Background(), Input{JobID: "j", Kind: job.KindCheck, PayloadRef: tt.ref})
			assertExactlyOne(t, res)

			if tt.wantReason == "" {
				out, ok := res.Output()
				if !ok {
					f, _ := res.Failure()
					t.Fatalf("expected success, got %v", f)
				}
				if out.Bytes == 0 || out.Checksum == "" {
					t.Errorf("unexpected output %+v", out)
				}
				return
			}
			f, ok := res.Failure()
			if !ok {
				t.Fatal("expected failure")
			}
			if f.Reason != tt.wantReason {
				t.Errorf("reason = %s, want %s", f.Reason, tt.wantReason)
			}
			if f.Origin != job.OriginPostprocess {
				t.Errorf("origin = %s", f.Origin)
			}
			if f.Reason == job.ReasonChecksumInvalid && f.Retryable {
				t.Error("checksum failures are never retryable")
			}
		})
	}
}

func TestProcess_SyncRecordCounts(t *testing.T) {
	t.Parallel()
	reader := memReader{
		"mem://ok":       mustEnvelope(t, AlgorithmXXH64, `{}`, &SyncStats{RecordsEmitted: ptr(5), RecordsCommitted: ptr(5)}),
		"mem://mismatch": mustEnvelope(t, AlgorithmXXH64, `{}`, &SyncStats{RecordsEmitted: ptr(5), RecordsCommitted: ptr(4)}),
		"mem://partial":  mustEnvelope(t, AlgorithmXXH64, `{}`, &SyncStats{RecordsEmitted: ptr(5)}),
	}
	p := New(reader, nil, Config{}, nil)

	res := p.Process(context.Background(), Input{Kind: job.KindSync, PayloadRef: "mem://ok"})
	out, ok := res.Output()
	if !ok || out.Stats == nil || *out.Stats.RecordsCommitted != 5 {
		t.Fatalf("expected success with stats, got %+v", res)
	}

	res = p.Process(context.Background(), Input{Kind: job.KindSync, PayloadRef: "mem://mismatch"})
	if f, ok := res.Failure(); !ok || f.Reason != job.ReasonChecksumInvalid || f.Retryable {
		t.Fatalf("expected non-retryable CHECKSUM_INVALID, got %+v", f)
	}

	if res := p.Process(context.Background(), Input{Kind: job.KindSync, PayloadRef: "mem://partial"}); !res.Succeeded() {
		t.Error("incomplete stats are not checked")
	}
}

const catalogV1 = `{"streams":[
	{"name":"users","namespace":"public","fields":{"id":"integer","email":"string"},"primaryKey":["id"]},
	{"name":"orders","namespace":"public","fields":{"id":"integer","total":"number"},"primaryKey":["id"]}
]}`

func TestProcess_FirstDiscoveryAllAdded(t *testing.T) {
	t.Parallel()
	reader := memReader{"mem://catalog": mustEnvelope(t, AlgorithmSHA256, catalogV1, nil)}
	p := New(reader, memSchemas{}, Config{}, nil)

	res := p.Process(context.Background(), Input{Kind: job.KindDiscover, ConnectionID: "c1", PayloadRef: "mem://catalog"})
	out, ok := res.Output()
	if !ok {
		f, _ := res.Failure()
		t.Fatalf("first discovery must not fail: %v", f)
	}
	if out.Diff == nil {
		t.Fatal("expected schema diff")
	}
	want := []StreamID{{Namespace: "public", Name: "orders"}, {Namespace: "public", Name: "users"}}
	if !slices.Equal(out.Diff.StreamsAdded, want) {
		t.Errorf("StreamsAdded = %v, want %v", out.Diff.StreamsAdded, want)
	}
	if len(out.Diff.StreamsRemoved) != 0 || len(out.Diff.StreamsChanged) != 0 || out.Diff.Breaking {
		t.Errorf("unexpected diff %+v", out.Diff)
	}
	if len(out.Catalog()) == 0 {
		t.Error("expected normalized catalog for persistence")
	}
}

func TestProcess_DiscoverAgainstBaseline(t *testing.T) {
	t.Parallel()
	v2 := `{"streams":[
		{"name":"users","namespace":"public","fields":{"id":"string","name":"string"},"primaryKey":["id"]},
		{"name":"events","namespace":"public","fields":{"ts":"timestamp"}}
	]}`
	reader := memReader{"mem://v2": mustEnvelope(t, AlgorithmSHA256, v2, nil)}
	p := New(reader, memSchemas{"c1": []byte(catalogV1)}, Config{}, nil)

	res := p.Process(context.Background(), Input{Kind: job.KindDiscover, ConnectionID: "c1", PayloadRef: "mem://v2"})
	out, ok := res.Output()
	if !ok {
		t.Fatal("expected success")
	}
	d := out.Diff
	if len(d.StreamsAdded) != 1 || d.StreamsAdded[0] != (StreamID{Namespace: "public", Name: "events"}) {
		t.Errorf("StreamsAdded = %v", d.StreamsAdded)
	}
	if len(d.StreamsRemoved) != 1 || d.StreamsRemoved[0] != (StreamID{Namespace: "public", Name: "orders"}) {
		t.Errorf("StreamsRemoved = %v", d.StreamsRemoved)
	}
	if len(d.StreamsChanged) != 1 {
		t.Fatalf("StreamsChanged = %+v", d.StreamsChanged)
	}
	sd := d.StreamsChanged[0]
	if sd.Stream.String() != "public.users" ||
		len(sd.FieldsAdded) != 1 || sd.FieldsAdded[0] != "name" ||
		len(sd.FieldsRemoved) != 1 || sd.FieldsRemoved[0] != "email" ||
		len(sd.FieldsChanged) != 1 || sd.FieldsChanged[0].From != "integer" {
		t.Errorf("unexpected stream diff %+v", sd)
	}
	if sd.Breaking || d.Breaking {
		t.Error("removing a non-key field is not breaking")
	}
}

func TestDiff_Breaking(t *testing.T) {
	t.Parallel()
	prev, _ := ParseCatalog([]byte(`{"streams":[{"name":"s","fields":{"id":"integer","v":"string"},"primaryKey":["id"]}]}`))

	tests := []struct {
		name     string
		next     string
		breaking bool
	}{
		{"identical", `{"streams":[{"name":"s","fields":{"id":"integer","v":"string"},"primaryKey":["id"]}]}`, false},
		{"key field removed", `{"streams":[{"name":"s","fields":{"v":"string"}}]}`, true},
		{"key changed", `{"streams":[{"name":"s","fields":{"id":"integer","v":"string"},"primaryKey":["v"]}]}`, true},
		{"field added", `{"streams":[{"name":"s","fields":{"id":"integer","v":"string","w":"string"},"primaryKey":["id"]}]}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			next, err := ParseCatalog([]byte(tt.next))
			if err != nil {
				t.Fatal(err)
			}
			d := Diff(prev, next)
			if d.Breaking != tt.breaking {
				t.Errorf("Breaking = %v, want %v (%+v)", d.Breaking, tt.breaking, d)
			}
			if tt.name == "identical" && !d.Empty() {
				t.Errorf("expected empty diff, got %+v", d)
			}
		})
	}
}

func TestParseCatalog_Invalid(t *testing.T) {
	t.Parallel()
	for _, in := range []string{`[]`, `{"streams":[{"fields":{}}]}`, `{"streams":[{"name":"a"},{"name":"a"}]}`} {
		if _, err := ParseCatalog([]byte(in)); err == nil {
			t.Errorf("ParseCatalog(%s) expected error", in)
		}
	}
	c, err := ParseCatalog(nil)
	if err != nil || len(c.Streams) != 0 {
		t.Errorf("empty input should be an empty catalog, got %+v %v", c, err)
	}
}

func TestProcess_Timeout(t *testing.T) {
	t.Parallel()
	p := New(blockingReader{}, nil, Config{Timeout: 20 * time.Millisecond}, nil)

	start := time.Now()
	res := p.Process(context.Background(), Input{Kind: job.KindCheck, PayloadRef: "mem://slow"})
	if time.Since(start) > 2*time.Second {
		t.Fatal("postprocess wait was not bounded")
	}
	f, ok := res.Failure()
	if !ok || f.Reason != job.ReasonInfraTransient || !f.Retryable {
		t.Errorf("expected retryable infra failure, got %+v", f)
	}
}

func TestResult_ZeroSafeConstructors(t *testing.T) {
	t.Parallel()
	assertExactlyOne(t, Succeed(nil))
	assertExactlyOne(t, Fail(nil))

	if !strings.Contains(string(Succeed(&Output{Checksum: "sha256:x"}).Summary()), `"outcome":"success"`) {
		t.Error("unexpected success summary")
	}
	if !strings.Contains(string(Fail(job.NewFailure(job.ReasonChecksumInvalid, job.OriginPostprocess, "bad")).Summary()), `"CHECKSUM_INVALID"`) {
		t.Error("unexpected failure summary")
	}
}
