package templates

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	svcerrors "github.com/deskpilot/deskpilot/infrastructure/errors"
	"github.com/deskpilot/deskpilot/infrastructure/logging"
)

// Store loads templates from the system and user directories and resolves
// single-parent inheritance. System templates are immutable.
type Store struct {
	systemDir string
	userDir   string
	log       *logging.Logger

	mu       sync.Mutex
	raw      map[string]map[string]interface{}
	system   map[string]bool
	resolved map[string]*Template
}

// NewStore builds a store over the two template directories.
func NewStore(systemDir, userDir string, log *logging.Logger) *Store {
	if log == nil {
		log = logging.NewNop()
	}
	return &Store{
		systemDir: systemDir,
		userDir:   userDir,
		log:       log,
		raw:       make(map[string]map[string]interface{}),
		system:    make(map[string]bool),
		resolved:  make(map[string]*Template),
	}
}

// Load reads every JSON file from both directories. The built-in default
// template is always present even when the system directory is empty.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.raw = make(map[string]map[string]interface{})
	s.system = make(map[string]bool)
	s.resolved = make(map[string]*Template)

	s.raw[defaultTemplateID] = builtinDefault()
	s.system[defaultTemplateID] = true

	if err := s.loadDir(s.systemDir, true); err != nil {
		return err
	}
	if err := s.loadDir(s.userDir, false); err != nil {
		return err
	}
	return nil
}

func (s *Store) loadDir(dir string, system bool) error {
	if dir == "" {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return svcerrors.Internal("read template directory", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		buf, err := os.ReadFile(path)
		if err != nil {
			s.log.WithError(err).Warnf("skipping unreadable template %s", path)
			continue
		}
		var raw map[string]interface{}
		if err := json.Unmarshal(buf, &raw); err != nil {
			s.log.WithError(err).Warnf("skipping malformed template %s", path)
			continue
		}
		id, _ := raw["id"].(string)
		if id == "" {
			id = strings.TrimSuffix(entry.Name(), ".json")
			raw["id"] = id
		}
		s.raw[id] = raw
		s.system[id] = system
	}
	return nil
}

// List returns every resolved template, system ones first.
func (s *Store) List() ([]*Template, error) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.raw))
	for id := range s.raw {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if s.system[ids[i]] != s.system[ids[j]] {
			return s.system[ids[i]]
		}
		return ids[i] < ids[j]
	})
	s.mu.Unlock()

	var out []*Template
	for _, id := range ids {
		t, err := s.Resolve(id)
		if err != nil {
			s.log.WithError(err).Warnf("template %s does not resolve", id)
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// GetRaw returns the unresolved template map.
func (s *Store) GetRaw(id string) (map[string]interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, ok := s.raw[id]
	if !ok {
		return nil, svcerrors.NotFound("template", id)
	}
	return cloneValue(raw).(map[string]interface{}), nil
}

// Resolve returns the deep-merged template for id, following the extends
// chain. Cycles fail with CyclicInheritance.
func (s *Store) Resolve(id string) (*Template, error) {
	s.mu.Lock()
	if cached, ok := s.resolved[id]; ok {
		s.mu.Unlock()
		copy := *cached
		return &copy, nil
	}
	s.mu.Unlock()

	merged, err := s.resolveRaw(id, map[string]struct{}{})
	if err != nil {
		return nil, err
	}

	t, err := decodeTemplate(merged)
	if err != nil {
		return nil, err
	}
	t.ID = id
	if err := validate(t); err != nil {
		return nil, err
	}

	s.mu.Lock()
	t.System = s.system[id]
	s.resolved[id] = t
	s.mu.Unlock()

	copy := *t
	return &copy, nil
}

func (s *Store) resolveRaw(id string, visited map[string]struct{}) (map[string]interface{}, error) {
	if _, seen := visited[id]; seen {
		return nil, svcerrors.CyclicInheritance(id)
	}
	visited[id] = struct{}{}

	s.mu.Lock()
	raw, ok := s.raw[id]
	if ok {
		raw = cloneValue(raw).(map[string]interface{})
	}
	s.mu.Unlock()
	if !ok {
		return nil, svcerrors.NotFound("template", id)
	}

	parentID, _ := raw["extends"].(string)
	if parentID == "" {
		return raw, nil
	}
	parent, err := s.resolveRaw(parentID, visited)
	if err != nil {
		return nil, err
	}
	merged := deepMerge(parent, raw)
	// The merged tree keeps the child's identity.
	merged["id"] = id
	return merged, nil
}

// Create adds a custom template and persists it to the user directory.
func (s *Store) Create(raw map[string]interface{}) (*Template, error) {
	id, _ := raw["id"].(string)
	if id == "" {
		return nil, svcerrors.MissingParameter("id")
	}

	s.mu.Lock()
	if _, exists := s.raw[id]; exists {
		s.mu.Unlock()
		return nil, svcerrors.Conflict("template id already exists").WithDetails("id", id)
	}
	s.raw[id] = cloneValue(raw).(map[string]interface{})
	s.system[id] = false
	s.resolved = make(map[string]*Template)
	s.mu.Unlock()

	t, err := s.Resolve(id)
	if err != nil {
		s.mu.Lock()
		delete(s.raw, id)
		delete(s.system, id)
		s.mu.Unlock()
		return nil, err
	}
	if err := s.persist(id); err != nil {
		return nil, err
	}
	return t, nil
}

// Update replaces a custom template.
func (s *Store) Update(id string, raw map[string]interface{}) (*Template, error) {
	s.mu.Lock()
	if _, exists := s.raw[id]; !exists {
		s.mu.Unlock()
		return nil, svcerrors.NotFound("template", id)
	}
	if s.system[id] {
		s.mu.Unlock()
		return nil, svcerrors.ImmutableSystemTemplate(id)
	}
	previous := s.raw[id]
	raw = cloneValue(raw).(map[string]interface{})
	raw["id"] = id
	s.raw[id] = raw
	s.resolved = make(map[string]*Template)
	s.mu.Unlock()

	t, err := s.Resolve(id)
	if err != nil {
		s.mu.Lock()
		s.raw[id] = previous
		s.resolved = make(map[string]*Template)
		s.mu.Unlock()
		return nil, err
	}
	if err := s.persist(id); err != nil {
		return nil, err
	}
	return t, nil
}

// Delete removes a custom template that no other template extends.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.raw[id]; !exists {
		return svcerrors.NotFound("template", id)
	}
	if s.system[id] {
		return svcerrors.ImmutableSystemTemplate(id)
	}
	var children []string
	for otherID, raw := range s.raw {
		if parent, _ := raw["extends"].(string); parent == id {
			children = append(children, otherID)
		}
	}
	if len(children) > 0 {
		return svcerrors.StillReferenced(id, children)
	}

	delete(s.raw, id)
	delete(s.system, id)
	s.resolved = make(map[string]*Template)

	if s.userDir != "" {
		_ = os.Remove(filepath.Join(s.userDir, id+".json"))
	}
	return nil
}

// Duplicate copies a template (system or custom) under a new id and name.
func (s *Store) Duplicate(id, newName string) (*Template, error) {
	raw, err := s.GetRaw(id)
	if err != nil {
		return nil, err
	}
	newID := slugify(newName)
	if newID == "" {
		return nil, svcerrors.MissingParameter("name")
	}
	raw["id"] = newID
	raw["name"] = newName
	return s.Create(raw)
}

// Export returns the raw template for download.
func (s *Store) Export(id string) (map[string]interface{}, error) {
	return s.GetRaw(id)
}

// Import creates a custom template from an uploaded raw map.
func (s *Store) Import(raw map[string]interface{}) (*Template, error) {
	return s.Create(raw)
}

// IsSystem reports whether id names a shipped template.
func (s *Store) IsSystem(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.system[id]
}

func (s *Store) persist(id string) error {
	if s.userDir == "" {
		return nil
	}
	s.mu.Lock()
	raw, ok := s.raw[id]
	if ok {
		raw = cloneValue(raw).(map[string]interface{})
	}
	s.mu.Unlock()
	if !ok {
		return svcerrors.NotFound("template", id)
	}

	if err := os.MkdirAll(s.userDir, 0o755); err != nil {
		return svcerrors.Internal("create template directory", err)
	}
	buf, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return svcerrors.Internal("encode template", err)
	}
	path := filepath.Join(s.userDir, id+".json")
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		return svcerrors.Internal(fmt.Sprintf("write template %s", path), err)
	}
	return nil
}

func slugify(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '_':
			b.WriteByte('-')
		}
	}
	return strings.Trim(b.String(), "-")
}
