package protocol_test

import (
	"testing"

	"github.com/SeriousBug/frame-shift-video-sub001/internal/protocol"
)

func TestSignVerify_RoundTrip(t *testing.T) {
	body := []byte(`{"job_id":"abc"}`)
	sig := protocol.Sign("shared-secret", body)
	if sig == "" {
		t.Fatal("expected a signature")
	}
	if err := protocol.Verify("shared-secret", sig, body); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestVerify_RejectsTamperedBody(t *testing.T) {
	body := []byte(`{"job_id":"abc"}`)
	sig := protocol.Sign("shared-secret", body)

	tampered := []byte(`{"job_id":"zzz"}`)
	if err := protocol.Verify("shared-secret", sig, tampered); err != protocol.ErrBadSignature {
		t.Fatalf("expected ErrBadSignature, got %v", err)
	}
}

func TestVerify_RejectsWrongSecret(t *testing.T) {
	body := []byte("payload")
	sig := protocol.Sign("secret-a", body)
	if err := protocol.Verify("secret-b", sig, body); err != protocol.ErrBadSignature {
		t.Fatalf("expected ErrBadSignature, got %v", err)
	}
}

func TestVerify_EmptySignature(t *testing.T) {
	if err := protocol.Verify("secret", "", []byte("payload")); err != protocol.ErrMissingSignature {
		t.Fatalf("expected ErrMissingSignature, got %v", err)
	}
}

func TestSign_EmptyBodyIsStillSigned(t *testing.T) {
	// Status requests carry no body; the signature covers the empty string.
	sig := protocol.Sign("secret", nil)
	if err := protocol.Verify("secret", sig, nil); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if err := protocol.Verify("secret", sig, []byte{}); err != nil {
		t.Fatalf("verify over empty slice: %v", err)
	}
}
