package pagination

import "testing"

func TestCursor_EncodeDecode(t *testing.T) {
	token := EncodeCursor("2024-03-01T10:00:00Z", "7f1c")
	c, err := DecodeCursor(token)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Value != "2024-03-01T10:00:00Z" || c.ID != "7f1c" {
		t.Errorf("unexpected cursor %+v", c)
	}
}

func TestDecodeCursor_Invalid(t *testing.T) {
	for _, token := range []string{"!!!", "bm90LWpzb24", EncodeCursor("", "")} {
		if _, err := DecodeCursor(token); err == nil {
			t.Errorf("expected error for token %q", token)
		}
	}
}
