package mutation

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestCompress(t *testing.T) {
	records := []Record{
		{Op: OpAttr, XPath: "/div", Name: "class", Value: "a", OldValue: "orig"},
		{Op: OpAttr, XPath: "/div", Name: "class", Value: "b", OldValue: "a"},
		{Op: OpAttr, XPath: "/div", Name: "style", Value: "x"},
		{Op: OpInsert, XPath: "/div"},
		{Op: OpInsert, XPath: "/div"},
		{Op: OpText, XPath: "/p/text()", Value: "x", OldValue: "orig2"},
		{Op: OpText, XPath: "/p/text()", Value: "y"},
		{Op: OpRemove, XPath: "/div/old"},
	}

	got := Compress(records)
	if len(got) != 6 {
		t.Fatalf("Compress: got %d records, want 6", len(got))
	}
	if got[0].Value != "b" || got[0].OldValue != "orig" {
		t.Errorf("attr run: got value=%q old=%q", got[0].Value, got[0].OldValue)
	}
	if got[1].Name != "style" {
		t.Errorf("different attribute folded: %+v", got[1])
	}
	if got[4].Value != "y" || got[4].OldValue != "orig2" {
		t.Errorf("text run: got value=%q old=%q", got[4].Value, got[4].OldValue)
	}
}

func TestDecoder_SkipsUnknownEnvelopes(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	snap := Snapshot{ID: "s1", PageURL: "https://shop.example", HTML: []byte("<p>$5</p>")}
	if err := w.Write(TypeSnapshot, snap); err != nil {
		t.Fatal(err)
	}
	if err := w.Write("profile", map[string]int{"nodes": 3}); err != nil {
		t.Fatal(err)
	}
	if err := w.Write(TypeBatch, Batch{ID: "b1", Seq: 7, Records: []Record{{Op: OpInsert, XPath: "/html/body"}}}); err != nil {
		t.Fatal(err)
	}

	d := NewDecoder(&buf)
	ev, err := d.Next()
	if err != nil || ev.Snapshot == nil {
		t.Fatalf("first event: %+v, %v", ev, err)
	}
	if string(ev.Snapshot.HTML) != "<p>$5</p>" {
		t.Errorf("snapshot HTML: got %q", ev.Snapshot.HTML)
	}

	ev, err = d.Next()
	if err != nil || ev.Batch == nil {
		t.Fatalf("second event: %+v, %v", ev, err)
	}
	if ev.Batch.Seq != 7 || len(ev.Batch.Records) != 1 {
		t.Errorf("batch: got %+v", ev.Batch)
	}

	if _, err := d.Next(); !errors.Is(err, io.EOF) {
		t.Errorf("end of stream: got %v, want io.EOF", err)
	}
}

func TestDecoder_MalformedBatch(t *testing.T) {
	d := NewDecoder(strings.NewReader(`{"type":"batch","data":{"seq":"seven"}}`))
	if _, err := d.Next(); err == nil {
		t.Error("expected a decode error")
	}
}

func TestHashHTML(t *testing.T) {
	got := HashHTML([]byte(""))
	if got != "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855" {
		t.Errorf("HashHTML: got %s", got)
	}
}
