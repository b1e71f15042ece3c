package transcribe

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/hazyhaar/meetscribe/gpu"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubProbe struct {
	available bool
	calls     int
}

func (p *stubProbe) Available(context.Context) bool {
	p.calls++
	return p.available
}

type stubWaker struct {
	result bool
	calls  int
}

func (w *stubWaker) TryWake(context.Context, string) bool {
	w.calls++
	return w.result
}

type stubClient struct {
	payload *gpu.ResultPayload
	err     error
	calls   int
}

func (c *stubClient) Transcribe(context.Context, string, string, map[string]any) (*gpu.ResultPayload, error) {
	c.calls++
	return c.payload, c.err
}

type stubFallback struct {
	result *Result
	err    error
	calls  int
}

func (f *stubFallback) Transcribe(context.Context, string, string, map[string]any) (*Result, error) {
	f.calls++
	return f.result, f.err
}

func gpuPayload() *gpu.ResultPayload {
	return &gpu.ResultPayload{
		Segments:  []gpu.Segment{{Speaker: "Speaker 1", Text: "hi", Start: 0, End: 1.2}},
		Formatted: "[00:00:00] Speaker 1: hi",
		Stats:     json.RawMessage(`{"total_segments":1}`),
	}
}

func TestTranscribeGPUSuccess(t *testing.T) {
	probe := &stubProbe{available: true}
	client := &stubClient{payload: gpuPayload()}
	fallback := &stubFallback{}
	orch := NewOrchestrator(probe, client, testLogger(), WithFallback(fallback))

	res := orch.Transcribe(context.Background(), UploadJob{JobID: "j1"})

	if !res.Success {
		t.Fatalf("success = false, error = %q", res.Error)
	}
	if res.UsedFallback {
		t.Error("used_fallback = true on GPU path")
	}
	if len(res.Segments) != 1 || res.Segments[0].Speaker != "Speaker 1" {
		t.Errorf("segments = %+v", res.Segments)
	}
	if res.Formatted != "[00:00:00] Speaker 1: hi" {
		t.Errorf("formatted = %q", res.Formatted)
	}
	if fallback.calls != 0 {
		t.Errorf("fallback called %d times, want 0", fallback.calls)
	}
}

func TestTranscribeWakerSkippedWhenAvailable(t *testing.T) {
	probe := &stubProbe{available: true}
	waker := &stubWaker{result: true}
	orch := NewOrchestrator(probe, &stubClient{payload: gpuPayload()}, testLogger(), WithWaker(waker))

	orch.Transcribe(context.Background(), UploadJob{JobID: "j1"})

	if waker.calls != 0 {
		t.Errorf("waker called %d times while GPU available, want 0", waker.calls)
	}
}

func TestTranscribeWakeThenSuccess(t *testing.T) {
	probe := &stubProbe{available: false}
	waker := &stubWaker{result: true}
	client := &stubClient{payload: gpuPayload()}
	orch := NewOrchestrator(probe, client, testLogger(), WithWaker(waker))

	res := orch.Transcribe(context.Background(), UploadJob{JobID: "j1"})

	if !res.Success {
		t.Fatalf("success = false, error = %q", res.Error)
	}
	if waker.calls != 1 {
		t.Errorf("waker calls = %d, want 1", waker.calls)
	}
	if client.calls != 1 {
		t.Errorf("client calls = %d, want 1", client.calls)
	}
}

func TestTranscribeFallbackOnGPUFailure(t *testing.T) {
	probe := &stubProbe{available: true}
	client := &stubClient{err: errors.New("Failed to submit to GPU worker")}
	fallback := &stubFallback{result: &Result{Success: true, Formatted: "[00:00:00] Dino: ok"}}
	orch := NewOrchestrator(probe, client, testLogger(), WithFallback(fallback))

	res := orch.Transcribe(context.Background(), UploadJob{JobID: "j1"})

	if !res.Success {
		t.Fatalf("success = false, error = %q", res.Error)
	}
	if !res.UsedFallback {
		t.Error("used_fallback = false, want true")
	}
	if fallback.calls != 1 {
		t.Errorf("fallback calls = %d, want 1", fallback.calls)
	}
}

func TestTranscribeFallbackWhenUnreachable(t *testing.T) {
	probe := &stubProbe{available: false}
	client := &stubClient{}
	fallback := &stubFallback{result: &Result{Success: true}}
	orch := NewOrchestrator(probe, client, testLogger(), WithFallback(fallback))

	res := orch.Transcribe(context.Background(), UploadJob{JobID: "j1"})

	if !res.Success || !res.UsedFallback {
		t.Errorf("result = %+v, want fallback success", res)
	}
	// No GPU submission once the probe fails and no waker is wired.
	if client.calls != 0 {
		t.Errorf("client calls = %d, want 0", client.calls)
	}
}

func TestTranscribeGPUErrorSurfacesWithoutFallback(t *testing.T) {
	probe := &stubProbe{available: true}
	client := &stubClient{err: gpu.ErrJobLost}
	orch := NewOrchestrator(probe, client, testLogger())

	res := orch.Transcribe(context.Background(), UploadJob{JobID: "j1"})

	if res.Success {
		t.Fatal("success = true on GPU failure")
	}
	if !strings.Contains(res.Error, "restart") {
		t.Errorf("error = %q, want restart mention", res.Error)
	}
}

func TestTranscribeUnavailableNoFallback(t *testing.T) {
	probe := &stubProbe{available: false}
	waker := &stubWaker{result: false}
	client := &stubClient{}
	orch := NewOrchestrator(probe, client, testLogger(), WithWaker(waker))

	res := orch.Transcribe(context.Background(), UploadJob{JobID: "j1"})

	if res.Success {
		t.Fatal("success = true, want failure")
	}
	if res.Error != "GPU unavailable and fallback disabled" {
		t.Errorf("error = %q", res.Error)
	}
	if client.calls != 0 {
		t.Errorf("client calls = %d, want 0", client.calls)
	}
}

func TestTranscribeFallbackUnavailable(t *testing.T) {
	probe := &stubProbe{available: false}
	fallback := &stubFallback{err: errors.New(`whisper binary "whisper-cli" not found`)}
	orch := NewOrchestrator(probe, &stubClient{}, testLogger(), WithFallback(fallback))

	res := orch.Transcribe(context.Background(), UploadJob{JobID: "j1"})

	if res.Success {
		t.Fatal("success = true, want failure")
	}
	if !strings.HasPrefix(res.Error, "Fallback transcriber unavailable: ") {
		t.Errorf("error = %q", res.Error)
	}
}

func TestTranscribeFallbackRunFailure(t *testing.T) {
	probe := &stubProbe{available: false}
	fallback := &stubFallback{result: &Result{Error: "audio conversion failed"}}
	orch := NewOrchestrator(probe, &stubClient{}, testLogger(), WithFallback(fallback))

	res := orch.Transcribe(context.Background(), UploadJob{JobID: "j1"})

	if res.Success {
		t.Fatal("success = true, want failure")
	}
	if res.Error != "audio conversion failed" {
		t.Errorf("error = %q", res.Error)
	}
	if !res.UsedFallback {
		t.Error("used_fallback = false on fallback run failure, want true")
	}
}

func TestTranscribeWakeEventRecorded(t *testing.T) {
	probe := &stubProbe{available: false}
	waker := &stubWaker{result: true}
	events := &captureEvents{}
	orch := NewOrchestrator(probe, &stubClient{payload: gpuPayload()}, testLogger(),
		WithWaker(waker), WithEvents(events))

	orch.Transcribe(context.Background(), UploadJob{JobID: "j9"})

	if len(events.names) != 1 || events.names[0] != "wake_attempted" {
		t.Errorf("events = %v, want [wake_attempted]", events.names)
	}
	if events.fields[0]["success"] != true {
		t.Errorf("wake event fields = %v", events.fields[0])
	}
}

type captureEvents struct {
	names  []string
	fields []map[string]any
}

func (c *captureEvents) LogEvent(event string, fields map[string]any) {
	c.names = append(c.names, event)
	c.fields = append(c.fields, fields)
}
