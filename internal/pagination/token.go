// Package pagination implements the opaque page-token codec of
// spec.md §4.9: every list RPC accepts a page size and an opaque page
// token, and returns a next_page_token that is empty when exhausted.
// Tokens are base64-encoded and bound to the minting process instance;
// a token from a different instance is rejected with invalid_argument
// (spec.md §8 property 4), which is what distinguishes this from the
// teacher's internal/pagination.Cursor — that codec is a plain
// "timestamp:sequence" string meant to be stable across restarts for a
// live-tailed log; ours must NOT be, since the core holds no state
// across restarts (spec.md §6, "Persisted state: None").
package pagination

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/joeycumines/macosuse-core/internal/corerr"
)

// instanceID is a random value minted once per process instance. Tokens
// are stamped with it; a token whose InstanceID differs did not come
// from this process and is rejected.
var instanceID = mintInstanceID()

func mintInstanceID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand failing is effectively unrecoverable on any real
		// platform; fall back to a fixed value rather than panic, since
		// this only degrades token-instance-scoping, not correctness
		// within a single process.
		return "fallback-instance"
	}
	return base64.RawURLEncoding.EncodeToString(b[:])
}

// payload is the plaintext token structure before base64 encoding. Its
// shape is an implementation detail clients must never depend on.
type payload struct {
	Instance string `json:"i"`
	Offset   int    `json:"o"`
}

// Encode mints an opaque page token for the next page starting at
// offset. Offset 0 is never actually encoded by List helpers — an empty
// string conventionally means "start from the beginning" — but Encode
// will happily encode it if called directly.
func Encode(offset int) string {
	p := payload{Instance: instanceID, Offset: offset}
	raw, err := json.Marshal(p)
	if err != nil {
		// payload is a simple struct; marshal cannot fail in practice.
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(raw)
}

// Decode parses an opaque page token minted by Encode, returning the
// offset it encodes. An empty token decodes to offset 0 (first page).
// A token minted by a different process instance, or one that is not
// valid base64/JSON at all, is rejected with invalid_argument per
// spec.md §8 property 4 and §4.9.
func Decode(token string) (offset int, err error) {
	if token == "" {
		return 0, nil
	}
	raw, decErr := base64.RawURLEncoding.DecodeString(token)
	if decErr != nil {
		return 0, corerr.Newf(corerr.InvalidArgument, "malformed page token")
	}
	var p payload
	if jsonErr := json.Unmarshal(raw, &p); jsonErr != nil {
		return 0, corerr.Newf(corerr.InvalidArgument, "malformed page token")
	}
	if p.Instance != instanceID {
		return 0, corerr.Newf(corerr.InvalidArgument, "page token was not minted by this process instance")
	}
	if p.Offset < 0 {
		return 0, corerr.Newf(corerr.InvalidArgument, "malformed page token: negative offset")
	}
	return p.Offset, nil
}

// Paginate slices items into a page of at most pageSize entries starting
// at the offset encoded by pageToken, and returns the next opaque token
// (empty when the page reaches the end of items). It implements the
// cursor discipline uniformly for every list RPC in spec.md §6: list
// methods "accept page_size and page_token and return next_page_token".
func Paginate[T any](items []T, pageSize int, pageToken string) (page []T, nextPageToken string, err error) {
	offset, err := Decode(pageToken)
	if err != nil {
		return nil, "", err
	}
	if pageSize <= 0 {
		pageSize = len(items)
	}
	if offset > len(items) {
		// A mutation shrank the underlying list mid-pagination (spec.md
		// §4.9: "any intervening mutation may cause entries to appear or
		// disappear mid-pagination — this is documented behavior").
		return nil, "", nil
	}
	end := offset + pageSize
	if end > len(items) {
		end = len(items)
	}
	page = items[offset:end]
	if end < len(items) {
		nextPageToken = Encode(end)
	}
	return page, nextPageToken, nil
}

// Opaque is a guard used by tests: it reports whether a token string
// looks like the literal pattern "offset:N", which a conforming
// implementation must never produce (spec.md §8 property 3 commentary,
// "assert tokens are opaque (not parseable as offset:N)").
func Opaque(token string) bool {
	if token == "" {
		return true
	}
	var n int
	matched, _ := fmt.Sscanf(token, "offset:%d", &n)
	return matched == 0
}
