package artifact

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/kingrea/procman/internal/process"
)

func TestWriteAndParseDocument(t *testing.T) {
	created := time.Date(2024, 5, 1, 10, 0, 0, 123, time.UTC)
	art := &process.Artifact{
		ID:                   "a-1",
		InstanceID:           "i-1",
		ActivityID:           "request",
		ArtifactDefinitionID: "request-form",
		Name:                 "Request",
		ContentType:          "text/markdown",
		Content:              []byte("---\nnot a fence\n\n"),
		Shared:               []process.SharedPair{{Key: "amount", Value: "10"}},
		CreatedAt:            created,
		CommittedAt:          created.Add(time.Second),
	}
	doc, err := WriteDocument(art)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	parsed, err := ParseDocument(doc)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !reflect.DeepEqual(parsed, art) {
		t.Fatalf("document did not round trip:\n%+v\n%+v", parsed, art)
	}
}

func TestParseDocumentRejectsTamperedBody(t *testing.T) {
	art := &process.Artifact{ID: "a-1", InstanceID: "i-1", ActivityID: "x", Content: []byte("abc"), CreatedAt: time.Now()}
	doc, err := WriteDocument(art)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	doc[len(doc)-1] = 'z'
	if _, err := ParseDocument(doc); !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("expected checksum mismatch, got %v", err)
	}
}

func TestParseDocumentRequiresFrontMatter(t *testing.T) {
	if _, err := ParseDocument([]byte("plain body")); !errors.Is(err, ErrMissingFrontMatter) {
		t.Fatalf("expected missing frontmatter, got %v", err)
	}
	if _, err := ParseDocument([]byte("---\nprocman:\n  artifact: a\n")); !errors.Is(err, ErrMalformedFrontMatter) {
		t.Fatalf("expected malformed frontmatter, got %v", err)
	}
	if _, err := WriteDocument(&process.Artifact{}); err == nil {
		t.Fatalf("expected an error for an artifact without id")
	}
}
