package kvstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/marcostork/keylime/pkg/logging"
	"github.com/marcostork/keylime/pkg/store/datastore"
	"github.com/marcostork/keylime/pkg/store/datastore/entities"
	"github.com/spf13/afero"
)

var (
	ErrInvalidReadBufferSize = errors.New("kvstore/afero: invalid read buffer size")
)

type Params struct {
	Fs             afero.Fs
	Logger         *logging.Logger
	Partition      string
	ReadBufferSize int
	RootDir        string
}

type AferoDAO[E any] struct {
	readBufferSize int
	logger         *logging.Logger
	fs             afero.Fs
	partitionDir   string
	datastore.GenericDAO[E]
}

// Creates a key/value blob storage backend
func NewAferoDAO[E any](params *Params) (*AferoDAO[E], error) {
	rootDir := strings.TrimRight(params.RootDir, "/")
	partitionDir := fmt.Sprintf("%s/%s", rootDir, params.Partition)
	if err := params.Fs.MkdirAll(partitionDir, os.ModePerm); err != nil {
		params.Logger.Error(err)
		return nil, err
	}
	if params.ReadBufferSize == 0 {
		return nil, ErrInvalidReadBufferSize
	}
	return &AferoDAO[E]{
		logger:         params.Logger,
		fs:             params.Fs,
		partitionDir:   partitionDir,
		readBufferSize: params.ReadBufferSize,
	}, nil
}

// Retrieves the entity with the provided ID from the blob datastore. Returns
// an error if the entity can't be found or if it can't be unmarshalled.
func (aferoDAO *AferoDAO[E]) Get(id string) (E, error) {
	key := fmt.Sprintf("%s.%s", id, "json")
	blobFile := fmt.Sprintf("%s/%s", aferoDAO.partitionDir, key)
	bytes, err := afero.ReadFile(aferoDAO.fs, blobFile)
	if err != nil {
		if os.IsNotExist(err) {
			aferoDAO.logger.MaybeError(datastore.ErrRecordNotFound, slog.String("key", key))
			return *new(E), datastore.ErrRecordNotFound
		}
		return *new(E), err
	}
	e := new(E)
	err = json.Unmarshal(bytes, e)
	if err != nil {
		return *new(E), err
	}
	return *e, nil
}

// Saves the provided entity to the blob datastore. Returns an error if
// the entity can not be serialized or there is a problem saving to
// blob storage.
func (aferoDAO *AferoDAO[E]) Save(entity E) error {
	kvEntity := any(entity).(entities.KeyValueEntity)
	data, err := json.Marshal(entity)
	if err != nil {
		return err
	}
	key := fmt.Sprintf("%s.%s", kvEntity.EntityID(), "json")
	blobFile := fmt.Sprintf("%s/%s", aferoDAO.partitionDir, key)
	if err := afero.WriteFile(aferoDAO.fs, blobFile, data, 0644); err != nil {
		aferoDAO.logger.Error(err, slog.String("key", key))
		return err
	}
	return nil
}

// Deletes the provided entity from the blob datastore. Returns an
// error if the provided entity can't be found.
func (aferoDAO *AferoDAO[E]) Delete(entity E) error {
	kvEntity := any(entity).(entities.KeyValueEntity)
	key := fmt.Sprintf("%s.%s", kvEntity.EntityID(), "json")
	blobFile := fmt.Sprintf("%s/%s", aferoDAO.partitionDir, key)
	if _, err := aferoDAO.fs.Stat(blobFile); err != nil {
		aferoDAO.logger.Error(err, slog.String("key", key))
		return datastore.ErrRecordNotFound
	}
	return aferoDAO.fs.RemoveAll(blobFile)
}

// Returns the number of items in the blob store partition using a buffered
// read
func (aferoDAO *AferoDAO[E]) Count() (int, error) {
	count := 0
	f, err := aferoDAO.fs.Open(aferoDAO.partitionDir)
	if err != nil {
		return 0, err
	}
	var list []string
	for err != io.EOF {
		list, err = f.Readdirnames(aferoDAO.readBufferSize)
		count = count + len(list)
	}
	f.Close()
	if err != nil && err != io.EOF {
		return 0, err
	}
	return count, nil
}

// Returns a page of items in the blob store partition
func (aferoDAO *AferoDAO[E]) Page(
	pageQuery datastore.PageQuery) (datastore.PageResult[E], error) {

	pageResult := datastore.PageResult[E]{
		Page:     pageQuery.Page,
		PageSize: pageQuery.PageSize}

	page := pageQuery.Page
	if page < 1 {
		page = 1
	}
	offset := (page - 1) * pageQuery.PageSize

	var list []string
	var err error

	// Open the partition directory for reading
	f, err := aferoDAO.fs.Open(aferoDAO.partitionDir)
	if err != nil {
		return pageResult, err
	}
	defer f.Close()

	idx := 0
	for err != io.EOF {

		// Start reading the directories one at a time until
		// the offset index is reached
		if idx >= offset {

			list, err = f.Readdirnames(pageQuery.PageSize)

			// Peek ahead to the next record to see if there
			// are more results to return
			if _, err := f.Readdirnames(1); err != io.EOF {
				pageResult.HasMore = true
			}

			pageResult.Entities = make([]E, len(list))

			// Read and deserialize each record
			for i, file := range list {
				path := fmt.Sprintf("%s/%s", aferoDAO.partitionDir, file)
				bytes, err := afero.ReadFile(aferoDAO.fs, path)
				if err != nil {
					return pageResult, err
				}
				e := new(E)
				err = json.Unmarshal(bytes, e)
				if err != nil {
					return pageResult, err
				}
				pageResult.Entities[i] = *e
			}
			return pageResult, nil

		} else {
			_, err = f.Readdirnames(1)
			idx++
		}
	}

	return pageResult, nil
}

// Reads all records in batches of PageQuery.PageSize, passing each page to
// the provided pageProcFunc to process the resultset.
func (aferoDAO *AferoDAO[E]) ForEachPage(
	pageQuery datastore.PageQuery,
	pagerProcFunc datastore.PagerProcFunc[E]) error {

	pageResult, err := aferoDAO.Page(pageQuery)
	if err != nil {
		return err
	}
	if err = pagerProcFunc(pageResult.Entities); err != nil {
		return err
	}
	if pageResult.HasMore {
		nextPageQuery := datastore.PageQuery{
			Page:     pageQuery.Page + 1,
			PageSize: pageQuery.PageSize}
		return aferoDAO.ForEachPage(nextPageQuery, pagerProcFunc)
	}

	return nil
}
