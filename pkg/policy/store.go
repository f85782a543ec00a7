package policy

import (
	"fmt"
	"os"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/marcostork/keylime/pkg/logging"
	"github.com/spf13/afero"
)

// Store resolves a policy reference to a compiled policy document.
// Implementations must tolerate concurrent reads from all agent tasks.
type Store interface {
	Policy(ref string) (*Compiled, error)
}

// FileStore loads YAML policy documents from a directory, one file per
// policy reference. Compiled documents are cached and invalidated by
// content fingerprint, so a tenant swapping a document between cycles is
// picked up without a restart.
type FileStore struct {
	logger    *logging.Logger
	fs        afero.Fs
	policyDir string

	mu    sync.RWMutex
	cache map[string]*Compiled
}

func NewFileStore(logger *logging.Logger, fs afero.Fs, policyDir string) *FileStore {
	return &FileStore{
		logger:    logger,
		fs:        fs,
		policyDir: policyDir,
		cache:     make(map[string]*Compiled),
	}
}

func (s *FileStore) Policy(ref string) (*Compiled, error) {

	path := fmt.Sprintf("%s/%s.yaml", s.policyDir, ref)
	raw, err := afero.ReadFile(s.fs, path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrPolicyNotFound
		}
		return nil, err
	}

	fingerprint := xxhash.Sum64(raw)

	s.mu.RLock()
	cached, ok := s.cache[ref]
	s.mu.RUnlock()
	if ok && cached.Fingerprint == fingerprint {
		return cached, nil
	}

	compiled, err := Compile(raw)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if ok {
		s.logger.Infof("policy: document %s swapped, fingerprint %x -> %x",
			ref, cached.Fingerprint, compiled.Fingerprint)
	}
	s.cache[ref] = compiled
	s.mu.Unlock()

	return compiled, nil
}
