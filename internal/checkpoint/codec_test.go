package checkpoint

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danielpatrickdp/earlystop/internal/monitor"
	"google.golang.org/protobuf/types/known/structpb"
)

func TestEncodeDecode(t *testing.T) {
	rec := testRecord("run-1", 2)
	rec.CheckpointID = "c2"

	b, err := Encode(rec)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(b)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if got.CheckpointID != "c2" || got.RunID != "run-1" || got.Epoch != 2 || got.Destination != "best.ckpt" {
		t.Fatalf("header mismatch: %+v", got)
	}
	if !got.CreatedAt.Equal(rec.CreatedAt) {
		t.Fatalf("created_at mismatch: %v != %v", got.CreatedAt, rec.CreatedAt)
	}
	if len(got.StateDict) != 2 || got.StateDict["w"][0] != 2 || got.StateDict["b"][0] != 0.25 {
		t.Fatalf("state dict mismatch: %v", got.StateDict)
	}
	if len(got.Scores) != 2 || got.Scores[1] != (monitor.Score{Name: "acc", Value: 0.5}) {
		t.Fatalf("scores mismatch: %v", got.Scores)
	}
}

func TestDecodeGarbage(t *testing.T) {
	if _, err := Decode([]byte{0xff, 0xff, 0xff}); err == nil {
		t.Fatal("expected error for garbage bytes")
	}
}

func TestFromStructMissingFields(t *testing.T) {
	noEpoch, _ := structpb.NewStruct(map[string]interface{}{"state_dict": map[string]interface{}{}})
	if _, err := FromStruct(noEpoch); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload, got %v", err)
	}

	noState, _ := structpb.NewStruct(map[string]interface{}{"epoch": 1.0})
	if _, err := FromStruct(noState); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload, got %v", err)
	}

	badTensor, _ := structpb.NewStruct(map[string]interface{}{
		"epoch":      1.0,
		"state_dict": map[string]interface{}{"w": "not-a-list"},
	})
	if _, err := FromStruct(badTensor); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload, got %v", err)
	}
}

func TestFileSinkReplacesDestination(t *testing.T) {
	dir := t.TempDir()
	sink := &FileSink{Dir: dir}

	if err := sink.Put(testRecord("run-1", 0)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := sink.Put(testRecord("run-1", 5)); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := ReadFile(filepath.Join(dir, "best.ckpt"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if got.Epoch != 5 {
		t.Fatalf("expected latest epoch 5, got %d", got.Epoch)
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Fatalf("expected only the checkpoint file, found %d entries", len(entries))
	}
}

func TestFileSinkEmptyDestination(t *testing.T) {
	sink := &FileSink{}
	rec := testRecord("run-1", 0)
	rec.Destination = ""
	if err := sink.Put(rec); err == nil {
		t.Fatal("expected error for empty destination")
	}
}

func TestReadFileMissing(t *testing.T) {
	if _, err := ReadFile(filepath.Join(t.TempDir(), "missing.ckpt")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

type failingSink struct{ calls int }

func (f *failingSink) Put(Record) error {
	f.calls++
	return errors.New("boom")
}

type countingSink struct{ records []Record }

func (c *countingSink) Put(rec Record) error {
	c.records = append(c.records, rec)
	return nil
}

func TestTee(t *testing.T) {
	a, b := &countingSink{}, &countingSink{}
	if err := Tee(a, b).Put(testRecord("r", 0)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if len(a.records) != 1 || len(b.records) != 1 {
		t.Fatalf("expected both sinks to receive the record")
	}

	f, c := &failingSink{}, &countingSink{}
	if err := Tee(f, c).Put(testRecord("r", 0)); err == nil {
		t.Fatal("expected error from failing sink")
	}
	if len(c.records) != 0 {
		t.Fatal("expected tee to stop at the first failure")
	}
}

func TestFromSnapshotNilState(t *testing.T) {
	rec := FromSnapshot("r", monitor.Snapshot{Destination: "d", Epoch: 1})
	if rec.StateDict != nil {
		t.Fatalf("expected nil state dict, got %v", rec.StateDict)
	}
	if rec.CheckpointID == "" || rec.CreatedAt.After(time.Now().Add(time.Second)) {
		t.Fatalf("unexpected record header: %+v", rec)
	}
}
