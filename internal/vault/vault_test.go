package vault

import (
	"bytes"
	"errors"
	"reflect"
	"testing"
)

func TestSealOpenRoundTrip(t *testing.T) {
	v, err := New("0123456789abcdef0123456789abcdef")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// Nested structures with Unicode must survive losslessly.
	payload := map[string]any{
		"applicant": map[string]any{
			"full_name": "Бат-Эрдэнэ Дорж",
			"phone":     "+976-9911-2233",
		},
		"loan": map[string]any{
			"amount":      float64(25000000),
			"term_months": float64(36),
		},
		"notes": []any{"дундаж сарын орлого", "зээл"},
	}

	blob, err := v.Seal(payload)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if bytes.Contains(blob, []byte("Бат-Эрдэнэ")) {
		t.Fatal("ciphertext leaks plaintext")
	}

	var got map[string]any
	if err := v.Open(blob, &got); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !reflect.DeepEqual(got, payload) {
		t.Fatalf("round trip mismatch:\n got %#v\nwant %#v", got, payload)
	}
}

func TestSealIsNonDeterministic(t *testing.T) {
	v, _ := New("test-key")
	a, _ := v.Seal("same")
	b, _ := v.Seal("same")
	if bytes.Equal(a, b) {
		t.Fatal("expected distinct ciphertexts for identical plaintext")
	}
}

func TestOpenRejectsTamperedBlob(t *testing.T) {
	v, _ := New("test-key")
	blob, _ := v.Seal(map[string]string{"k": "v"})
	blob[len(blob)-1] ^= 0xff

	var out map[string]string
	if err := v.Open(blob, &out); !errors.Is(err, ErrCorruptedCiphertext) {
		t.Fatalf("expected ErrCorruptedCiphertext, got %v", err)
	}
}

func TestOpenRejectsWrongKey(t *testing.T) {
	a, _ := New("key-a")
	b, _ := New("key-b")
	blob, _ := a.Seal("secret")

	var out string
	if err := b.Open(blob, &out); !errors.Is(err, ErrCorruptedCiphertext) {
		t.Fatalf("expected ErrCorruptedCiphertext, got %v", err)
	}
}

func TestOpenRejectsShortBlob(t *testing.T) {
	v, _ := New("test-key")
	var out any
	if err := v.Open([]byte{1, 2, 3}, &out); !errors.Is(err, ErrCorruptedCiphertext) {
		t.Fatalf("expected ErrCorruptedCiphertext, got %v", err)
	}
}

func TestNewRequiresKey(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("expected error for empty key")
	}
}
