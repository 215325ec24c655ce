package pb

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestOptionalPresenceSurvivesJSON(t *testing.T) {
	req := SolveRequest{
		ImageWidth:  1024,
		ImageHeight: 768,
		FovEstimate: Some(11.0),
		Distortion:  Some(0.0),
	}

	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	text := string(data)
	if !strings.Contains(text, `"distortion":0`) {
		t.Fatalf("explicit zero distortion dropped: %s", text)
	}
	if strings.Contains(text, "matchRadius") {
		t.Fatalf("unset matchRadius should be omitted: %s", text)
	}

	var back SolveRequest
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if v, ok := back.Distortion.Get(); !ok || v != 0 {
		t.Fatalf("expected present zero distortion, got %v/%v", v, ok)
	}
	if back.MatchRadius.Valid {
		t.Fatalf("expected matchRadius absent")
	}
	if back.FovEstimate.OrElse(-1) != 11 {
		t.Fatalf("expected fovEstimate 11, got %v", back.FovEstimate.OrElse(-1))
	}
}

func TestOptionalNullDecodesAsAbsent(t *testing.T) {
	var req SolveRequest
	if err := json.Unmarshal([]byte(`{"matchThreshold":null,"fovMaxError":0.5}`), &req); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if req.MatchThreshold.Valid {
		t.Fatalf("null should decode as absent")
	}
	if req.FovMaxError.Ptr() == nil || *req.FovMaxError.Ptr() != 0.5 {
		t.Fatalf("expected fovMaxError 0.5")
	}
}

func TestDurationConversion(t *testing.T) {
	d := NewDuration(1500 * time.Millisecond)
	if d.Seconds != 1 || d.Nanos != 500_000_000 {
		t.Fatalf("unexpected split %+v", d)
	}
	back, err := d.AsDuration()
	if err != nil {
		t.Fatalf("AsDuration: %v", err)
	}
	if back != 1500*time.Millisecond {
		t.Fatalf("expected 1.5s, got %v", back)
	}

	if _, err := (&Duration{Seconds: 1, Nanos: 1_000_000_000}).AsDuration(); err == nil {
		t.Fatalf("expected out-of-range nanos to be rejected")
	}
	if _, err := (&Duration{Seconds: -2}).AsDuration(); err == nil {
		t.Fatalf("expected negative duration to be rejected")
	}
}
