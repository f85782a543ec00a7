package datastore

import (
	"errors"

	"github.com/marcostork/keylime/pkg/store/datastore/entities"
	"github.com/spf13/afero"
)

var (
	DefaultConfig = Config{
		Backend:        "AFERO_FS",
		ReadBufferSize: 50,
		RootDir:        "datastore",
	}

	ErrRecordNotFound = errors.New("datastore: record not found")
	ErrCommitConflict = errors.New("datastore: commit conflict, record advanced concurrently")
	ErrInvalidBackend = errors.New("datastore: invalid backend")
)

type Backend string

func (b Backend) String() string {
	return string(b)
}

var (
	BackendAferoFS     Backend = "AFERO_FS"
	BackendAferoMemory Backend = "AFERO_MEMORY"
)

type Config struct {
	Backend        string `yaml:"backend" json:"backend" mapstructure:"backend"`
	ReadBufferSize int    `yaml:"read-buffer-size" json:"read_buffer_size" mapstructure:"read-buffer-size"`
	RootDir        string `yaml:"home" json:"home" mapstructure:"home"`
}

func ParseAferoBackend(backend string) (afero.Fs, error) {
	switch backend {
	case BackendAferoFS.String():
		return afero.NewOsFs(), nil
	case BackendAferoMemory.String():
		return afero.NewMemMapFs(), nil
	default:
		return nil, ErrInvalidBackend
	}
}

type PagerProcFunc[E any] func(entities []E) error

// PageQuery represents a datastore query for a single
// page of records
type PageQuery struct {
	Page     int
	PageSize int
}

func NewPageQuery() PageQuery {
	return PageQuery{
		Page:     1,
		PageSize: 25}
}

// PageResult represents a datastore page query resultset
type PageResult[E any] struct {
	Entities []E  `yaml:"entities" json:"entities"`
	Page     int  `yaml:"page" json:"page"`
	PageSize int  `yaml:"size" json:"size"`
	HasMore  bool `yaml:"has_more" json:"has_more"`
}

func NewPageResult[E any]() PageResult[E] {
	return PageResult[E]{Entities: make([]E, 0)}
}

// DAO interfaces
type Pager[E any] interface {
	Page(pageQuery PageQuery) (PageResult[E], error)
	ForEachPage(pageQuery PageQuery, pagerProcFunc PagerProcFunc[E]) error
}

type GenericDAO[E any] interface {
	Save(entity E) error
	Get(id string) (E, error)
	Delete(entity E) error
	Count() (int, error)
	Pager[E]
}

type AgentDAO interface {
	GenericDAO[*entities.Agent]

	// CommitAttestation persists the agent record only if the stored
	// measurement log offset still matches expectedOffset, returning
	// ErrCommitConflict otherwise.
	CommitAttestation(agent *entities.Agent, expectedOffset uint64) error
}

// DAO Factory interface
type Factory interface {
	AgentDAO() (AgentDAO, error)
}
