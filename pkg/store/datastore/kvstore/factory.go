package kvstore

import (
	"github.com/marcostork/keylime/pkg/logging"
	"github.com/marcostork/keylime/pkg/store/datastore"
	"github.com/spf13/afero"
)

type Factory struct {
	fs             afero.Fs
	logger         *logging.Logger
	readBufferSize int
	rootDir        string
	datastore.Factory
}

func New(logger *logging.Logger, config *datastore.Config) (datastore.Factory, error) {
	fs, err := datastore.ParseAferoBackend(config.Backend)
	if err != nil {
		return nil, err
	}
	return &Factory{
		fs:             fs,
		logger:         logger,
		readBufferSize: config.ReadBufferSize,
		rootDir:        config.RootDir,
	}, nil
}

func (factory *Factory) AgentDAO() (datastore.AgentDAO, error) {
	return NewAgentDAO(&Params{
		Fs:             factory.fs,
		Logger:         factory.logger,
		Partition:      agent_partition,
		ReadBufferSize: factory.readBufferSize,
		RootDir:        factory.rootDir,
	})
}
