// Package filestore keeps definitions, instances and artifacts under a
// project directory. Structure documents are stored verbatim, instances as
// JSON and artifacts as front-matter documents.
//
//	<root>/definitions/<id>/r000001.yaml
//	<root>/instances/<id>/instance.json
//	<root>/instances/<id>/artifacts/<file>.md
//
// instance.json names the artifact file of every committed activity, so a
// commit becomes visible with a single rename of that file.
package filestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/kingrea/procman/internal/artifact"
	"github.com/kingrea/procman/internal/process"
	"github.com/kingrea/procman/internal/storage"
)

const (
	definitionsDir = "definitions"
	instancesDir   = "instances"
	artifactsDir   = "artifacts"
	instanceFile   = "instance.json"
)

// Store is a directory-backed storage.Store. Writes to one record are expected
// to be serialized by the caller; the engine holds the instance lock and the
// model store its writer lock.
type Store struct {
	root string
}

var _ storage.Store = (*Store)(nil)

// instanceRecord is the content of instance.json.
type instanceRecord struct {
	Instance  *process.Instance `json:"instance"`
	Artifacts map[string]string `json:"artifacts,omitempty"`
}

// New opens (and creates if needed) a store rooted at dir.
func New(dir string) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("filestore: root directory is required")
	}
	for _, sub := range []string{definitionsDir, instancesDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("filestore: create %s: %w", sub, err)
		}
	}
	return &Store{root: dir}, nil
}

// Root returns the directory the store writes to.
func (s *Store) Root() string { return s.root }

func (s *Store) Close() error { return nil }

func (s *Store) SaveDefinition(_ context.Context, rec storage.DefinitionRecord) error {
	if err := checkName(rec.ID); err != nil {
		return err
	}
	if rec.Revision <= 0 {
		return fmt.Errorf("filestore: definition %s: revision must be positive", rec.ID)
	}
	dir := filepath.Join(s.root, definitionsDir, rec.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("filestore: create %s: %w", dir, err)
	}
	return writeFileAtomic(filepath.Join(dir, revisionFile(rec.Revision)), rec.Structure)
}

func (s *Store) DefinitionRevisions(_ context.Context) ([]storage.DefinitionRecord, error) {
	base := filepath.Join(s.root, definitionsDir)
	ids, err := os.ReadDir(base)
	if err != nil {
		return nil, fmt.Errorf("filestore: read %s: %w", base, err)
	}
	var out []storage.DefinitionRecord
	for _, entry := range ids {
		// Dot directories are tombs left by an interrupted removeDir.
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		dir := filepath.Join(base, entry.Name())
		files, err := os.ReadDir(dir)
		if err != nil {
			return nil, fmt.Errorf("filestore: read %s: %w", dir, err)
		}
		for _, file := range files {
			rev, ok := parseRevisionFile(file.Name())
			if !ok {
				continue
			}
			data, err := os.ReadFile(filepath.Join(dir, file.Name()))
			if err != nil {
				return nil, fmt.Errorf("filestore: read definition %s: %w", entry.Name(), err)
			}
			out = append(out, storage.DefinitionRecord{ID: entry.Name(), Revision: rev, Structure: data})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ID != out[j].ID {
			return out[i].ID < out[j].ID
		}
		return out[i].Revision < out[j].Revision
	})
	return out, nil
}

func (s *Store) DeleteDefinition(_ context.Context, id string) error {
	if err := checkName(id); err != nil {
		return err
	}
	return removeDir(filepath.Join(s.root, definitionsDir, id))
}

func (s *Store) CreateInstance(_ context.Context, inst *process.Instance) error {
	if err := checkName(inst.ID); err != nil {
		return err
	}
	dir := s.instanceDir(inst.ID)
	if _, err := os.Stat(dir); err == nil {
		return fmt.Errorf("filestore: instance %s already exists", inst.ID)
	}
	if err := os.MkdirAll(filepath.Join(dir, artifactsDir), 0o755); err != nil {
		return fmt.Errorf("filestore: create %s: %w", dir, err)
	}
	return s.writeRecord(inst.ID, instanceRecord{Instance: inst})
}

func (s *Store) UpdateInstance(_ context.Context, inst *process.Instance) error {
	rec, err := s.readRecord(inst.ID)
	if err != nil {
		return err
	}
	rec.Instance = inst
	return s.writeRecord(inst.ID, rec)
}

func (s *Store) CommitActivity(_ context.Context, inst *process.Instance, art *process.Artifact) error {
	rec, err := s.readRecord(inst.ID)
	if err != nil {
		return err
	}
	var replaced string
	if art != nil {
		file, err := s.writeArtifact(art)
		if err != nil {
			return err
		}
		if rec.Artifacts == nil {
			rec.Artifacts = make(map[string]string)
		}
		replaced = rec.Artifacts[art.ActivityID]
		rec.Artifacts[art.ActivityID] = file
	}
	rec.Instance = inst
	if err := s.writeRecord(inst.ID, rec); err != nil {
		return err
	}
	s.removeArtifactFile(inst.ID, replaced)
	return nil
}

func (s *Store) UpdateArtifact(_ context.Context, art *process.Artifact) error {
	rec, err := s.readRecord(art.InstanceID)
	if err != nil {
		return err
	}
	replaced, ok := rec.Artifacts[art.ActivityID]
	if !ok {
		return storage.ErrNotFound
	}
	file, err := s.writeArtifact(art)
	if err != nil {
		return err
	}
	rec.Artifacts[art.ActivityID] = file
	if err := s.writeRecord(art.InstanceID, rec); err != nil {
		return err
	}
	s.removeArtifactFile(art.InstanceID, replaced)
	return nil
}

func (s *Store) DeleteInstance(_ context.Context, id string) error {
	if err := checkName(id); err != nil {
		return err
	}
	return removeDir(s.instanceDir(id))
}

func (s *Store) Instances(_ context.Context) ([]*process.Instance, error) {
	base := filepath.Join(s.root, instancesDir)
	entries, err := os.ReadDir(base)
	if err != nil {
		return nil, fmt.Errorf("filestore: read %s: %w", base, err)
	}
	out := make([]*process.Instance, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		rec, err := s.readRecord(entry.Name())
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, rec.Instance)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) Artifacts(_ context.Context, instanceID string) ([]*process.Artifact, error) {
	rec, err := s.readRecord(instanceID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	activities := make([]string, 0, len(rec.Artifacts))
	for activityID := range rec.Artifacts {
		activities = append(activities, activityID)
	}
	sort.Strings(activities)
	out := make([]*process.Artifact, 0, len(activities))
	for _, activityID := range activities {
		path := filepath.Join(s.instanceDir(instanceID), artifactsDir, rec.Artifacts[activityID])
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("filestore: read artifact %s/%s: %w", instanceID, activityID, err)
		}
		art, err := artifact.ParseDocument(data)
		if err != nil {
			return nil, fmt.Errorf("filestore: %s: %w", path, err)
		}
		out = append(out, art)
	}
	return out, nil
}

func (s *Store) instanceDir(id string) string {
	return filepath.Join(s.root, instancesDir, id)
}

func (s *Store) readRecord(id string) (instanceRecord, error) {
	if err := checkName(id); err != nil {
		return instanceRecord{}, err
	}
	data, err := os.ReadFile(filepath.Join(s.instanceDir(id), instanceFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return instanceRecord{}, storage.ErrNotFound
		}
		return instanceRecord{}, fmt.Errorf("filestore: read instance %s: %w", id, err)
	}
	var rec instanceRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return instanceRecord{}, fmt.Errorf("filestore: decode instance %s: %w", id, err)
	}
	if rec.Instance == nil {
		return instanceRecord{}, fmt.Errorf("filestore: instance %s: record is empty", id)
	}
	return rec, nil
}

func (s *Store) writeRecord(id string, rec instanceRecord) error {
	encoded, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("filestore: encode instance %s: %w", id, err)
	}
	return writeFileAtomic(filepath.Join(s.instanceDir(id), instanceFile), append(encoded, '\n'))
}

func (s *Store) writeArtifact(art *process.Artifact) (string, error) {
	doc, err := artifact.WriteDocument(art)
	if err != nil {
		return "", err
	}
	name := uuid.NewString() + ".md"
	dir := filepath.Join(s.instanceDir(art.InstanceID), artifactsDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("filestore: create %s: %w", dir, err)
	}
	if err := writeFileAtomic(filepath.Join(dir, name), doc); err != nil {
		return "", err
	}
	return name, nil
}

// removeArtifactFile drops a file no longer referenced by instance.json. A
// failure only leaves an orphan behind.
func (s *Store) removeArtifactFile(instanceID, name string) {
	if name == "" {
		return
	}
	_ = os.Remove(filepath.Join(s.instanceDir(instanceID), artifactsDir, name))
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("filestore: create temp for %s: %w", path, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("filestore: write %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("filestore: sync %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("filestore: close %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("filestore: rename %s: %w", path, err)
	}
	return nil
}

func removeDir(dir string) error {
	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return storage.ErrNotFound
		}
		return fmt.Errorf("filestore: stat %s: %w", dir, err)
	}
	// Rename first so a half-removed directory is never read back.
	tomb := filepath.Join(filepath.Dir(dir), "."+filepath.Base(dir)+".deleted-"+uuid.NewString())
	if err := os.Rename(dir, tomb); err != nil {
		return fmt.Errorf("filestore: remove %s: %w", dir, err)
	}
	if err := os.RemoveAll(tomb); err != nil {
		return fmt.Errorf("filestore: remove %s: %w", dir, err)
	}
	return nil
}

func revisionFile(rev int) string {
	return fmt.Sprintf("r%06d.yaml", rev)
}

func parseRevisionFile(name string) (int, bool) {
	if !strings.HasPrefix(name, "r") || !strings.HasSuffix(name, ".yaml") {
		return 0, false
	}
	rev, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, "r"), ".yaml"))
	if err != nil || rev <= 0 {
		return 0, false
	}
	return rev, true
}

func checkName(id string) error {
	if id == "" || id == "." || id == ".." || strings.HasPrefix(id, ".") || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("filestore: invalid record id %q", id)
	}
	return nil
}
