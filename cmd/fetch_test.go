package cmd

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"muse/pkg/fault"
	"muse/pkg/upstream"
)

type stubFetcher struct {
	results []upstream.Result
	err     error
	calls   int
}

func (f *stubFetcher) Fetch(context.Context) (upstream.Result, error) {
	if f.err != nil {
		return upstream.Result{}, f.err
	}
	result := f.results[f.calls%len(f.results)]
	f.calls++
	return result, nil
}

func TestPrintInspirations(t *testing.T) {
	client := &stubFetcher{results: []upstream.Result{{Text: "Be bold\n"}, {Text: "Stay curious"}}}

	var out bytes.Buffer
	if err := printInspirations(context.Background(), &out, fetchText(client), 2); err != nil {
		t.Fatalf("printInspirations error: %v", err)
	}

	if out.String() != "Be bold\nStay curious\n" {
		t.Fatalf("output = %q", out.String())
	}
	if client.calls != 2 {
		t.Fatalf("calls = %d, want 2", client.calls)
	}
}

func TestPrintInspirationsRejectsZeroCount(t *testing.T) {
	var out bytes.Buffer
	if err := printInspirations(context.Background(), &out, fetchText(&stubFetcher{}), 0); err == nil {
		t.Fatal("expected error for zero count")
	}
}

func TestPrintInspirationsStopsOnTransportFailure(t *testing.T) {
	failure := fault.TransportFailure(errors.New("connection refused"), "upstream: execute request", nil)
	client := &stubFetcher{err: failure}

	var out bytes.Buffer
	err := printInspirations(context.Background(), &out, fetchText(client), 3)
	if !fault.Is(err, fault.TextCodeTransportFailure) {
		t.Fatalf("expected transport failure, got %v", err)
	}
	if out.Len() != 0 {
		t.Fatalf("expected no output, got %q", out.String())
	}
}

func TestFetchTextKeepsAnomalyAsEmptyText(t *testing.T) {
	client := &stubFetcher{results: []upstream.Result{{Anomaly: fault.DecodeAnomaly(nil)}}}

	text, err := fetchText(client)(context.Background())
	if err != nil {
		t.Fatalf("fetchText error: %v", err)
	}
	if text != "" {
		t.Fatalf("text = %q, want empty", text)
	}
}
