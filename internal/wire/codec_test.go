package wire

import (
	"encoding/json"
	"testing"
)

func TestEncodeAppendsNewline(t *testing.T) {
	b, err := Encode(map[string]int{"a": 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b[len(b)-1] != '\n' {
		t.Fatalf("expected trailing newline, got %q", b)
	}
}

func TestDecoderFeedSingleFrame(t *testing.T) {
	var d Decoder
	msgs := d.Feed([]byte(`{"a":1}` + "\n"))
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	var v map[string]int
	if err := json.Unmarshal(msgs[0], &v); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if v["a"] != 1 {
		t.Errorf("expected a=1, got %v", v)
	}
}

func TestDecoderFeedPartialLine(t *testing.T) {
	var d Decoder
	if msgs := d.Feed([]byte(`{"a":1`)); len(msgs) != 0 {
		t.Fatalf("expected no messages from a partial line, got %d", len(msgs))
	}
	msgs := d.Feed([]byte("}\n"))
	if len(msgs) != 1 {
		t.Fatalf("expected the completed line to flush as 1 message, got %d", len(msgs))
	}
}

func TestDecoderDropsNonObjectLines(t *testing.T) {
	var d Decoder
	msgs := d.Feed([]byte("not json\n[1,2,3]\n\"a string\"\n{\"ok\":true}\n"))
	if len(msgs) != 1 {
		t.Fatalf("expected only the well-formed object to survive, got %d", len(msgs))
	}
}

func TestDecoderHandlesMultipleFramesInOneFeed(t *testing.T) {
	var d Decoder
	msgs := d.Feed([]byte("{\"a\":1}\n{\"a\":2}\n{\"a\":3}\n"))
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
}
