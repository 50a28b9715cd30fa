package export

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/feedwright/feedwright/storage"
)

// Pagination tokens bind the keyset position to a fingerprint of the
// filters that produced it. Resuming a walk with different filters would
// silently skip or repeat rows, so a token presented against a different
// filter set is rejected instead.

// filterHash fingerprints the filter set within a hash domain. The primary
// listing and the other-activity sub-report use distinct domains so their
// tokens cannot be crossed.
func filterHash(f storage.ExportFilter, domain string) string {
	kinds := append([]string(nil), f.Kinds...)
	sort.Strings(kinds)
	publishers := append([]string(nil), f.Publishers...)
	sort.Strings(publishers)

	canonical := strings.Join([]string{
		domain,
		strconv.FormatInt(f.Since, 10),
		strconv.FormatInt(f.Until, 10),
		f.Scope,
		strings.Join(kinds, ","),
		f.Actor,
		strings.Join(publishers, ","),
	}, "|")

	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:8])
}

func encodeToken(key storage.ExportKey, hash string) string {
	raw := fmt.Sprintf("%d::%s::%s", key.CreatedAt, key.URI, hash)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// decodeToken unpacks created_at::uri::hash. The uri may itself contain
// separator-like text, so the fields are cut from both ends rather than
// split.
func decodeToken(token, wantHash string) (*storage.ExportKey, error) {
	decoded, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("%w: undecodable cursor", ErrInvalidRequest)
	}
	raw := string(decoded)

	i := strings.Index(raw, "::")
	j := strings.LastIndex(raw, "::")
	if i < 0 || j <= i {
		return nil, fmt.Errorf("%w: malformed cursor", ErrInvalidRequest)
	}

	createdAt, err := strconv.ParseInt(raw[:i], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed cursor position", ErrInvalidRequest)
	}
	if raw[j+2:] != wantHash {
		return nil, fmt.Errorf("%w: cursor does not match the requested filters", ErrInvalidRequest)
	}

	return &storage.ExportKey{CreatedAt: createdAt, URI: raw[i+2 : j]}, nil
}
