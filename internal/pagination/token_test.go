package pagination

import (
	"testing"

	"github.com/joeycumines/macosuse-core/internal/corerr"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		offset int
	}{
		{"zero", 0},
		{"ten", 10},
		{"large", 123456},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			token := Encode(tc.offset)
			got, err := Decode(token)
			if err != nil {
				t.Fatalf("Decode(%q) error: %v", token, err)
			}
			if got != tc.offset {
				t.Errorf("Decode(Encode(%d)) = %d", tc.offset, got)
			}
		})
	}
}

func TestDecodeEmptyTokenIsFirstPage(t *testing.T) {
	t.Parallel()
	offset, err := Decode("")
	if err != nil || offset != 0 {
		t.Errorf("Decode(\"\") = (%d, %v), want (0, nil)", offset, err)
	}
}

func TestDecodeRejectsForeignInstance(t *testing.T) {
	t.Parallel()
	// Simulate a token minted by a different process instance by
	// encoding with a swapped instance id.
	saved := instanceID
	instanceID = "some-other-process"
	token := Encode(5)
	instanceID = saved

	_, err := Decode(token)
	if err == nil {
		t.Fatalf("expected error decoding foreign-instance token")
	}
	if !corerr.IsKind(err, corerr.InvalidArgument) {
		t.Errorf("expected invalid_argument, got %v", corerr.KindOf(err))
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	t.Parallel()
	tests := []string{"not-base64!!!", "offset:5", "", "\x00\x01"}
	for _, tok := range tests {
		if tok == "" {
			continue // empty token is the valid "first page" sentinel
		}
		t.Run(tok, func(t *testing.T) {
			_, err := Decode(tok)
			if err == nil {
				t.Errorf("Decode(%q) expected error", tok)
			}
		})
	}
}

func TestOpaqueRejectsOffsetPattern(t *testing.T) {
	t.Parallel()
	if Opaque("offset:42") {
		t.Errorf("Opaque(\"offset:42\") = true, want false")
	}
	if !Opaque(Encode(42)) {
		t.Errorf("Opaque(Encode(42)) = false, want true")
	}
}

func TestPaginateTotality(t *testing.T) {
	t.Parallel()
	items := make([]int, 25)
	for i := range items {
		items[i] = i
	}

	var got []int
	token := ""
	pages := 0
	for {
		page, next, err := Paginate(items, 10, token)
		if err != nil {
			t.Fatalf("Paginate error: %v", err)
		}
		got = append(got, page...)
		pages++
		if next == "" {
			break
		}
		token = next
		if pages > 10 {
			t.Fatalf("pagination did not terminate")
		}
	}

	if pages != 3 {
		t.Errorf("expected 3 pages for 25 items at page_size=10, got %d", pages)
	}
	if len(got) != len(items) {
		t.Fatalf("concatenated pages have %d items, want %d", len(got), len(items))
	}
	for i, v := range got {
		if v != items[i] {
			t.Errorf("concatenated pages differ from single-page call at index %d: got %d, want %d", i, v, items[i])
		}
	}
}

func TestPaginateShrunkListMidPagination(t *testing.T) {
	t.Parallel()
	items := []int{1, 2, 3}
	token := Encode(10) // offset beyond a list that shrank since the token was minted
	page, next, err := Paginate(items, 10, token)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(page) != 0 || next != "" {
		t.Errorf("Paginate with out-of-range offset should return an empty page, got %v, next=%q", page, next)
	}
}
