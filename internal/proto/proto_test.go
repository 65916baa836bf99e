package proto

import (
	"bytes"
	"strings"
	"testing"
)

func TestValidDatasetAndSnapshot(t *testing.T) {
	if !ValidDataset("tank/home/alice") {
		t.Error("expected valid dataset to pass")
	}
	if ValidDataset("tank/home/alice@snap") {
		t.Error("expected snapshot suffix to fail dataset validation")
	}
	if !ValidSnapshot("tank/home/alice@2026-07-31") {
		t.Error("expected valid snapshot name to pass")
	}
	if ValidSnapshot("tank/home/alice") {
		t.Error("expected dataset without @ to fail snapshot validation")
	}
	if ValidDataset("tank/../etc") {
		t.Error("expected path traversal characters to be rejected")
	}
}

func TestReadRequestWellFormed(t *testing.T) {
	r := strings.NewReader(`{"action":"mount","dataset":"tank/home/alice"}` + "\n")
	req, ok, err := ReadRequest(r)
	if err != nil || !ok {
		t.Fatalf("expected ok request, got ok=%v err=%v", ok, err)
	}
	if req.Action != "mount" || req.Dataset != "tank/home/alice" {
		t.Errorf("unexpected decoded request: %+v", req)
	}
}

func TestReadRequestMissingAction(t *testing.T) {
	r := strings.NewReader(`{"dataset":"tank/home/alice"}`)
	_, ok, err := ReadRequest(r)
	if err != nil || ok {
		t.Fatalf("expected ok=false for request missing action, got ok=%v err=%v", ok, err)
	}
}

func TestReadRequestMalformedJSON(t *testing.T) {
	r := strings.NewReader(`not json at all`)
	_, ok, err := ReadRequest(r)
	if err != nil || ok {
		t.Fatalf("expected ok=false for malformed JSON, got ok=%v err=%v", ok, err)
	}
}

func TestReadRequestBoundedLength(t *testing.T) {
	huge := `{"action":"mount","dataset":"` + strings.Repeat("a", MaxRequestBytes*2) + `"}`
	r := strings.NewReader(huge)
	_, ok, err := ReadRequest(r)
	if err != nil {
		t.Fatalf("unexpected error reading oversized request: %v", err)
	}
	if ok {
		t.Fatal("expected truncated oversized request to fail JSON decoding")
	}
}

func TestReplyEncode(t *testing.T) {
	got := Reply{Status: "OK", Info: "done"}.Encode()
	want := []byte(`{"status":"OK","info":"done"}` + "\n")
	if !bytes.Equal(got, want) {
		t.Errorf("Encode() = %q, want %q", got, want)
	}
}
