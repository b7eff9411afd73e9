package domain

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// ReferenceKind tags the variant held by an InputReference.
type ReferenceKind string

const (
	ReferenceLocalPath        ReferenceKind = "local_path"
	ReferenceRemoteURL        ReferenceKind = "remote_url"
	ReferenceContentAddressed ReferenceKind = "content_addressed"
)

// ContentAddress identifies an artifact by the sha256 of its bytes.
type ContentAddress struct {
	URI      string `json:"uri"`
	SHA256   string `json:"sha256"`
	ByteSize int64  `json:"byte_size,omitempty"`
}

// InputReference is a local path, a remote URL or a content-addressed descriptor.
// Exactly one variant is set; Kind says which.
type InputReference struct {
	Kind      ReferenceKind
	LocalPath string
	RemoteURL string
	Content   ContentAddress
}

// LocalRef builds a local_path reference.
func LocalRef(path string) InputReference {
	return InputReference{Kind: ReferenceLocalPath, LocalPath: path}
}

// RemoteRef builds a remote_url reference.
func RemoteRef(url string) InputReference {
	return InputReference{Kind: ReferenceRemoteURL, RemoteURL: url}
}

// ContentRef builds a content_addressed reference.
func ContentRef(uri, sha256 string, size int64) InputReference {
	return InputReference{
		Kind:    ReferenceContentAddressed,
		Content: ContentAddress{URI: uri, SHA256: strings.ToLower(sha256), ByteSize: size},
	}
}

// ParseReference classifies a bare string as a URL or a local path.
// azure:// and s3:// URIs without a digest are rejected since they cannot be
// fetched without signing and cannot be verified.
func ParseReference(s string) (InputReference, error) {
	s = strings.TrimSpace(s)
	switch {
	case s == "":
		return InputReference{}, fmt.Errorf("%w: empty reference", ErrInvalidReference)
	case strings.HasPrefix(s, "http://"), strings.HasPrefix(s, "https://"):
		return RemoteRef(s), nil
	case strings.Contains(s, "://"):
		return InputReference{}, fmt.Errorf("%w: %q needs a sha256 descriptor", ErrInvalidReference, s)
	}
	return LocalRef(s), nil
}

// Validate checks that the set variant is well formed.
func (r InputReference) Validate() error {
	switch r.Kind {
	case ReferenceLocalPath:
		if r.LocalPath == "" {
			return fmt.Errorf("%w: empty path", ErrInvalidReference)
		}
	case ReferenceRemoteURL:
		if r.RemoteURL == "" {
			return fmt.Errorf("%w: empty url", ErrInvalidReference)
		}
	case ReferenceContentAddressed:
		if r.Content.URI == "" {
			return fmt.Errorf("%w: missing uri", ErrInvalidReference)
		}
		if !IsSHA256Hex(r.Content.SHA256) {
			return fmt.Errorf("%w: sha256 must be 64 hex chars", ErrInvalidReference)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidReference, r.Kind)
	}
	return nil
}

// String returns a printable form for logs.
func (r InputReference) String() string {
	switch r.Kind {
	case ReferenceLocalPath:
		return r.LocalPath
	case ReferenceRemoteURL:
		return r.RemoteURL
	case ReferenceContentAddressed:
		return r.Content.URI + "#sha256=" + r.Content.SHA256
	}
	return ""
}

// UnmarshalJSON accepts either a string or an object such as
// {"uri": "...", "sha256": "..."}, {"url": "..."} or {"path": "..."}.
func (r *InputReference) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		ref, err := ParseReference(s)
		if err != nil {
			return err
		}
		*r = ref
		return nil
	}

	var raw struct {
		URI      string `json:"uri"`
		SHA256   string `json:"sha256"`
		ByteSize int64  `json:"byte_size"`
		URL      string `json:"url"`
		Path     string `json:"path"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidReference, err)
	}

	var ref InputReference
	switch {
	case raw.SHA256 != "":
		uri := raw.URI
		if uri == "" {
			uri = raw.URL
		}
		ref = ContentRef(uri, raw.SHA256, raw.ByteSize)
	case raw.URL != "":
		ref = RemoteRef(raw.URL)
	case raw.URI != "":
		parsed, err := ParseReference(raw.URI)
		if err != nil {
			return err
		}
		ref = parsed
	case raw.Path != "":
		ref = LocalRef(raw.Path)
	default:
		return fmt.Errorf("%w: no uri, url or path", ErrInvalidReference)
	}
	if err := ref.Validate(); err != nil {
		return err
	}
	*r = ref
	return nil
}

// MarshalJSON writes the object form of the reference.
func (r InputReference) MarshalJSON() ([]byte, error) {
	switch r.Kind {
	case ReferenceLocalPath:
		return json.Marshal(map[string]string{"path": r.LocalPath})
	case ReferenceRemoteURL:
		return json.Marshal(map[string]string{"url": r.RemoteURL})
	case ReferenceContentAddressed:
		return json.Marshal(r.Content)
	}
	return []byte("null"), nil
}

// IsSHA256Hex reports whether s is a lowercase or uppercase 64-char hex digest.
func IsSHA256Hex(s string) bool {
	if len(s) != 64 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
