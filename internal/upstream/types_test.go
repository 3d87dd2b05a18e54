package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestBytesTaggedEnvelope(t *testing.T) {
	b := Bytes{0x00, 0x01, 0xfe, 0xff}
	raw, err := json.Marshal(b)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"type":"Buffer","data":"AAH+/w=="}`
	if string(raw) != want {
		t.Errorf("got %s, want %s", raw, want)
	}

	var back Bytes
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(b, back); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestBytesRejectsForeignEnvelope(t *testing.T) {
	var b Bytes
	if err := json.Unmarshal([]byte(`{"type":"NotABuffer","data":""}`), &b); err == nil {
		t.Fatal("expected error for non-Buffer envelope")
	}
}

func TestBytesEmptyRoundTrip(t *testing.T) {
	raw, err := json.Marshal(Bytes{})
	if err != nil {
		t.Fatal(err)
	}
	var back Bytes
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatal(err)
	}
	if len(back) != 0 {
		t.Errorf("expected empty buffer, got %v", back)
	}
}

func TestDisconnectLoggedOut(t *testing.T) {
	if (&Disconnect{Code: CodeLoggedOut}).LoggedOut() != true {
		t.Error("401 must report logged out")
	}
	if (&Disconnect{Code: 500}).LoggedOut() {
		t.Error("500 must not report logged out")
	}
	var nilDisc *Disconnect
	if nilDisc.LoggedOut() {
		t.Error("nil disconnect must not report logged out")
	}
}

type failingResolver struct{ calls int }

func (f *failingResolver) ResolveVersion(context.Context) (Version, error) {
	f.calls++
	return Version{}, errors.New("dns down")
}

type fixedResolver struct{ calls int }

func (f *fixedResolver) ResolveVersion(context.Context) (Version, error) {
	f.calls++
	return Version{2, 3000, 42}, nil
}

func TestCachedVersionResolverFallback(t *testing.T) {
	inner := &failingResolver{}
	c := &CachedVersionResolver{Inner: inner}

	v, err := c.ResolveVersion(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if v != FallbackVersion {
		t.Errorf("expected fallback version, got %v", v)
	}
	// Failure is not cached: a later call retries.
	if _, err := c.ResolveVersion(context.Background()); err != nil {
		t.Fatal(err)
	}
	if inner.calls != 2 {
		t.Errorf("expected retry after failure, calls=%d", inner.calls)
	}
}

func TestCachedVersionResolverMemoises(t *testing.T) {
	inner := &fixedResolver{}
	c := &CachedVersionResolver{Inner: inner}

	for i := 0; i < 3; i++ {
		v, err := c.ResolveVersion(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if v != (Version{2, 3000, 42}) {
			t.Errorf("wrong version: %v", v)
		}
	}
	if inner.calls != 1 {
		t.Errorf("expected single resolution, calls=%d", inner.calls)
	}
}
