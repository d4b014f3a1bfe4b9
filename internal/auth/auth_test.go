package auth

import (
	"encoding/base64"
	"strings"
	"testing"
)

func TestDecodeKeyMaterialRawJSON(t *testing.T) {
	got, err := DecodeKeyMaterial(`{"type": "service_account"}`)
	if err != nil {
		t.Fatalf("DecodeKeyMaterial: %v", err)
	}
	if !strings.Contains(string(got), "service_account") {
		t.Errorf("got %q", got)
	}
}

func TestDecodeKeyMaterialBase64(t *testing.T) {
	raw := `{"type": "authorized_user", "refresh_token": "r"}`
	encoded := base64.StdEncoding.EncodeToString([]byte(raw))

	got, err := DecodeKeyMaterial(encoded)
	if err != nil {
		t.Fatalf("DecodeKeyMaterial: %v", err)
	}
	if string(got) != raw {
		t.Errorf("got %q, want %q", got, raw)
	}
}

func TestDecodeKeyMaterialDoubleEncoded(t *testing.T) {
	inner := `{"type": "authorized_user"}`
	quoted := `"` + strings.ReplaceAll(inner, `"`, `\"`) + `"`
	encoded := base64.StdEncoding.EncodeToString([]byte(quoted))

	got, err := DecodeKeyMaterial(encoded)
	if err != nil {
		t.Fatalf("DecodeKeyMaterial: %v", err)
	}
	if string(got) != inner {
		t.Errorf("got %q, want %q", got, inner)
	}
}

func TestDecodeKeyMaterialRejectsGarbage(t *testing.T) {
	if _, err := DecodeKeyMaterial("not json and not base64!!"); err == nil {
		t.Error("expected error for garbage input")
	}
	if _, err := DecodeKeyMaterial("  "); err == nil {
		t.Error("expected error for blank input")
	}
}
