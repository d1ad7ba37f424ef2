package storage

import (
	"path"
	"strings"
)

// Scheme identifies which backend serves a reference.
type Scheme string

const (
	SchemeS3    Scheme = "s3"
	SchemeWeka  Scheme = "weka"
	SchemeGCS   Scheme = "gs"
	SchemeLocal Scheme = ""
)

// Ref is a parsed object reference. Remote refs carry a bucket and key;
// local refs keep the whole path in Key.
type Ref struct {
	Scheme Scheme
	Bucket string
	Key    string
}

// Parse splits a scheme-qualified path into its parts. Paths without a
// recognized scheme are treated as local filesystem paths.
func Parse(p string) Ref {
	for _, s := range []Scheme{SchemeS3, SchemeWeka, SchemeGCS} {
		prefix := string(s) + "://"
		if strings.HasPrefix(p, prefix) {
			rest := strings.TrimPrefix(p, prefix)
			bucket, key, _ := strings.Cut(rest, "/")
			return Ref{Scheme: s, Bucket: bucket, Key: key}
		}
	}
	return Ref{Scheme: SchemeLocal, Key: p}
}

// IsLocal reports whether the ref points at the local filesystem.
func (r Ref) IsLocal() bool { return r.Scheme == SchemeLocal }

// String reassembles the scheme-qualified form.
func (r Ref) String() string {
	if r.IsLocal() {
		return r.Key
	}
	return string(r.Scheme) + "://" + r.Bucket + "/" + r.Key
}

// WithKey returns a copy of the ref pointing at a different key in the
// same bucket.
func (r Ref) WithKey(key string) Ref {
	r.Key = key
	return r
}

// Join appends path elements to the ref's key.
func (r Ref) Join(elem ...string) Ref {
	parts := append([]string{r.Key}, elem...)
	r.Key = path.Join(parts...)
	return r
}

// Base returns the last element of the key.
func (r Ref) Base() string { return path.Base(r.Key) }

// JoinPath appends elements to a scheme-qualified or local path string.
func JoinPath(p string, elem ...string) string {
	return Parse(p).Join(elem...).String()
}
