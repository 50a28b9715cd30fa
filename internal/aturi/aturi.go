package aturi

import (
	"fmt"
	"strings"
)

const prefix = "at://"

// Build assembles an AT-URI from its three components.
func Build(did, collection, rkey string) string {
	return prefix + did + "/" + collection + "/" + rkey
}

// Parse splits an AT-URI into authority DID, collection NSID and record key.
func Parse(uri string) (did, collection, rkey string, err error) {
	if !strings.HasPrefix(uri, prefix) {
		return "", "", "", fmt.Errorf("not an at-uri: %q", uri)
	}
	parts := strings.Split(strings.TrimPrefix(uri, prefix), "/")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", fmt.Errorf("malformed at-uri: %q", uri)
	}
	return parts[0], parts[1], parts[2], nil
}

// AuthorDID returns the authority DID of an AT-URI, or "" when the uri does
// not parse. Reply refs carry only uris, so gating predicates recover the
// referenced author this way.
func AuthorDID(uri string) string {
	did, _, _, err := Parse(uri)
	if err != nil {
		return ""
	}
	return did
}

// RKey returns the record key of an AT-URI, or the input unchanged when it
// is not an AT-URI. Feed identities are addressed either by full generator
// uri or by bare rkey.
func RKey(uri string) string {
	_, _, rkey, err := Parse(uri)
	if err != nil {
		return uri
	}
	return rkey
}
