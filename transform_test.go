package netbroker

import (
	"testing"

	"golang.org/x/text/transform"
)

func TestUtf8SanitizerPassesValidUtf8Through(t *testing.T) {
	out, _, err := transform.String(Utf8Sanitizer{}, "hello éè world")
	if err != nil {
		t.Fatalf("transform failed: %v", err)
	}
	if out != "hello éè world" {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestUtf8SanitizerReplacesInvalidBytes(t *testing.T) {
	src := []byte("valid\xff\xfebytes")
	out, _, err := transform.Bytes(Utf8Sanitizer{}, src)
	if err != nil {
		t.Fatalf("transform failed: %v", err)
	}
	if string(out) != "valid��bytes" {
		t.Fatalf("unexpected output %q", string(out))
	}
}
