package nostr

import (
	"testing"
	"time"
)

func signedEvent(t *testing.T, kind int, content string, tags Tags) (*Event, string) {
	t.Helper()
	sk, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("GeneratePrivateKey: %v", err)
	}
	ev := &Event{
		CreatedAt: time.Now().Unix(),
		Kind:      kind,
		Tags:      tags,
		Content:   content,
	}
	if err := ev.Sign(sk); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return ev, sk
}

func TestSignAndVerify(t *testing.T) {
	ev, _ := signedEvent(t, KindThreadRoot, "hello <world> & co", Tags{{"a", "31933:pk:proj"}})

	if ev.ID == "" || ev.PubKey == "" || ev.Sig == "" {
		t.Fatalf("Sign left fields empty: %+v", ev)
	}

	ok, err := ev.Verify()
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !ok {
		t.Fatal("Verify = false for a freshly signed event")
	}
}

func TestVerifyDetectsTamper(t *testing.T) {
	ev, _ := signedEvent(t, KindGenericReply, "original", nil)
	ev.Content = "tampered"

	ok, err := ev.Verify()
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if ok {
		t.Fatal("Verify = true for tampered content")
	}
}

func TestPublicKeyMatchesSignedEvent(t *testing.T) {
	ev, sk := signedEvent(t, KindGenericReply, "hi", nil)

	pk, err := PublicKey(sk)
	if err != nil {
		t.Fatalf("PublicKey: %v", err)
	}
	// x-only keys are 32 bytes: no parity prefix.
	if len(pk) != 64 {
		t.Fatalf("pubkey length = %d, want 64 hex chars", len(pk))
	}
	if ev.PubKey != pk {
		t.Errorf("event pubkey = %q, PublicKey = %q", ev.PubKey, pk)
	}
}

func TestRootEventID(t *testing.T) {
	tests := []struct {
		name string
		tags Tags
		want string
	}{
		{
			name: "marked root wins over earlier e-tag",
			tags: Tags{{"e", "aaa", "", "reply"}, {"e", "bbb", "", "root"}},
			want: "bbb",
		},
		{
			name: "falls back to first e-tag",
			tags: Tags{{"e", "ccc"}, {"e", "ddd"}},
			want: "ccc",
		},
		{
			name: "no e-tags",
			tags: Tags{{"p", "pk"}},
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := &Event{Tags: tt.tags}
			if got := ev.RootEventID(); got != tt.want {
				t.Errorf("RootEventID() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAddress(t *testing.T) {
	ev := &Event{Kind: KindProjectDef, PubKey: "pk", Tags: Tags{{"d", "my-project"}}}
	if got, want := ev.Address(), "31933:pk:my-project"; got != want {
		t.Errorf("Address() = %q, want %q", got, want)
	}

	reply := &Event{Kind: KindGenericReply, PubKey: "pk"}
	if got := reply.Address(); got != "" {
		t.Errorf("Address() on non-replaceable kind = %q, want empty", got)
	}
}

func TestLessOrdersByCreatedAtThenID(t *testing.T) {
	a := &Event{ID: "b", CreatedAt: 10}
	b := &Event{ID: "a", CreatedAt: 20}
	c := &Event{ID: "a", CreatedAt: 10}

	if !a.Less(b) {
		t.Error("expected created_at ordering to dominate")
	}
	if !c.Less(a) {
		t.Error("expected id tiebreak on equal created_at")
	}
	if a.Less(c) {
		t.Error("id tiebreak inverted")
	}
}

func TestKeyEncodingRoundTrip(t *testing.T) {
	sk, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("GeneratePrivateKey: %v", err)
	}

	nsec, err := EncodeNsec(sk)
	if err != nil {
		t.Fatalf("EncodeNsec: %v", err)
	}
	back, err := DecodeKey(nsec)
	if err != nil {
		t.Fatalf("DecodeKey(nsec): %v", err)
	}
	if back != sk {
		t.Errorf("nsec round trip = %q, want %q", back, sk)
	}

	pk, err := PublicKey(sk)
	if err != nil {
		t.Fatalf("PublicKey: %v", err)
	}
	npub, err := EncodeNpub(pk)
	if err != nil {
		t.Fatalf("EncodeNpub: %v", err)
	}
	backPub, err := DecodeKey(npub)
	if err != nil {
		t.Fatalf("DecodeKey(npub): %v", err)
	}
	if backPub != pk {
		t.Errorf("npub round trip = %q, want %q", backPub, pk)
	}

	// Raw hex passes through untouched.
	if got, err := DecodeKey(pk); err != nil || got != pk {
		t.Errorf("DecodeKey(hex) = %q, %v", got, err)
	}
}
