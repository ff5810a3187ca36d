package artifact

import (
	"bytes"
	"strings"
	"testing"

	"snapcam/pkg/device"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	blob := &device.Blob{Data: []byte("photo"), MIME: "image/jpeg"}

	url := r.ToURL(blob)
	if !strings.HasPrefix(url, Scheme) {
		t.Fatalf("url %q has no %q prefix", url, Scheme)
	}
	if ID(url) == "" || ID(url) == url {
		t.Fatalf("bad id for %q", url)
	}
	if other := r.ToURL(blob); other == url {
		t.Fatal("urls must be unique per registration")
	} else {
		r.ReleaseURL(other)
	}

	a, ok := r.Lookup(url)
	if !ok {
		t.Fatal("registered url not found")
	}
	var buf bytes.Buffer
	if err := a.Encode(&buf); err != nil {
		t.Fatal(err)
	}
	if buf.String() != "photo" || a.ContentType() != "image/jpeg" {
		t.Fatalf("artifact = %q (%s)", buf.String(), a.ContentType())
	}

	r.ReleaseURL(url)
	r.ReleaseURL(url)
	if _, ok = r.Lookup(url); ok {
		t.Fatal("released url still resolves")
	}
	if r.Len() != 0 {
		t.Fatalf("len = %d, want 0", r.Len())
	}
}
