package artifact

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kingrea/procman/internal/process"
)

var (
	// ErrMissingFrontMatter indicates the document did not start with a YAML fence.
	ErrMissingFrontMatter = errors.New("artifact: missing frontmatter")
	// ErrMalformedFrontMatter indicates the YAML block could not be parsed.
	ErrMalformedFrontMatter = errors.New("artifact: malformed frontmatter")
	// ErrChecksumMismatch indicates the body no longer matches its recorded checksum.
	ErrChecksumMismatch = errors.New("artifact: checksum mismatch")
)

// ParseDocument reads a committed artifact from a document that starts with
// `---` YAML fences. The body after the fences is the artifact content.
func ParseDocument(content []byte) (*process.Artifact, error) {
	if len(content) == 0 {
		return nil, ErrMissingFrontMatter
	}
	normalized := content
	if bytes.HasPrefix(content, []byte("---\r\n")) {
		normalized = append([]byte("---\n"), content[5:]...)
	}
	if !bytes.HasPrefix(normalized, []byte("---\n")) {
		return nil, ErrMissingFrontMatter
	}
	rest := normalized[4:]
	parts := bytes.SplitN(rest, []byte("\n---\n"), 2)
	if len(parts) < 2 {
		return nil, ErrMalformedFrontMatter
	}
	var envelope procmanEnvelope
	if err := yaml.Unmarshal(parts[0], &envelope); err != nil {
		return nil, fmt.Errorf("artifact: parse frontmatter: %w", err)
	}
	body := parts[1]
	if envelope.Procman.Length > len(body) {
		return nil, ErrMalformedFrontMatter
	}
	// WriteDocument separates the fences from the body with one blank line.
	body = body[len(body)-envelope.Procman.Length:]
	return envelope.toArtifact(body)
}

// WriteDocument renders a committed artifact as YAML fences followed by its
// content.
func WriteDocument(art *process.Artifact) ([]byte, error) {
	if art == nil || art.ID == "" {
		return nil, fmt.Errorf("artifact: metadata missing artifact id")
	}
	envelope := procmanEnvelope{}
	envelope.fromArtifact(art)
	data, err := yaml.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("artifact: encode frontmatter: %w", err)
	}
	var buf bytes.Buffer
	buf.WriteString("---\n")
	buf.Write(bytes.TrimRight(data, "\n"))
	buf.WriteString("\n---\n\n")
	buf.Write(art.Content)
	return buf.Bytes(), nil
}

type procmanEnvelope struct {
	Procman procmanMetadata `yaml:"procman"`
}

type procmanMetadata struct {
	Artifact    string               `yaml:"artifact"`
	Instance    string               `yaml:"instance"`
	Activity    string               `yaml:"activity"`
	Definition  string               `yaml:"definition,omitempty"`
	Name        string               `yaml:"name,omitempty"`
	ContentType string               `yaml:"contentType,omitempty"`
	Shared      []process.SharedPair `yaml:"shared,omitempty"`
	Created     string               `yaml:"created"`
	Committed   string               `yaml:"committed,omitempty"`
	Length      int                  `yaml:"length"`
	Checksum    string               `yaml:"checksum,omitempty"`
}

func (e procmanEnvelope) toArtifact(body []byte) (*process.Artifact, error) {
	meta := e.Procman
	if meta.Artifact == "" || meta.Instance == "" || meta.Activity == "" {
		return nil, ErrMalformedFrontMatter
	}
	created, err := parseTime(meta.Created)
	if err != nil {
		return nil, fmt.Errorf("artifact: parse created timestamp: %w", err)
	}
	var committed time.Time
	if meta.Committed != "" {
		if committed, err = parseTime(meta.Committed); err != nil {
			return nil, fmt.Errorf("artifact: parse committed timestamp: %w", err)
		}
	}
	if meta.Checksum != "" && meta.Checksum != checksum(body) {
		return nil, fmt.Errorf("%w for %s", ErrChecksumMismatch, meta.Artifact)
	}
	art := &process.Artifact{
		ID:                   meta.Artifact,
		InstanceID:           meta.Instance,
		ActivityID:           meta.Activity,
		ArtifactDefinitionID: meta.Definition,
		Name:                 meta.Name,
		ContentType:          meta.ContentType,
		CreatedAt:            created,
		CommittedAt:          committed,
	}
	if len(body) > 0 {
		art.Content = append([]byte(nil), body...)
	}
	if len(meta.Shared) > 0 {
		art.Shared = append([]process.SharedPair(nil), meta.Shared...)
	}
	return art, nil
}

func (e *procmanEnvelope) fromArtifact(art *process.Artifact) {
	e.Procman = procmanMetadata{
		Artifact:    art.ID,
		Instance:    art.InstanceID,
		Activity:    art.ActivityID,
		Definition:  art.ArtifactDefinitionID,
		Name:        art.Name,
		ContentType: art.ContentType,
		Shared:      append([]process.SharedPair(nil), art.Shared...),
		Created:     art.CreatedAt.UTC().Format(timeLayout),
		Length:      len(art.Content),
		Checksum:    checksum(art.Content),
	}
	if !art.CommittedAt.IsZero() {
		e.Procman.Committed = art.CommittedAt.UTC().Format(timeLayout)
	}
}

func checksum(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

const timeLayout = time.RFC3339Nano

func parseTime(value string) (time.Time, error) {
	if strings.TrimSpace(value) == "" {
		return time.Time{}, fmt.Errorf("artifact: empty timestamp")
	}
	t, err := time.Parse(timeLayout, value)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
