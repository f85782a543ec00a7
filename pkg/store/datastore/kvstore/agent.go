package kvstore

import (
	"errors"
	"sync"

	"github.com/marcostork/keylime/pkg/store/datastore"
	"github.com/marcostork/keylime/pkg/store/datastore/entities"
)

const (
	agent_partition = "agents"
)

type AgentDAO struct {
	mu sync.Mutex
	*AferoDAO[*entities.Agent]
}

func NewAgentDAO(params *Params) (datastore.AgentDAO, error) {
	if params.Partition == "" {
		params.Partition = agent_partition
	}
	aferoDAO, err := NewAferoDAO[*entities.Agent](params)
	if err != nil {
		return nil, err
	}
	return &AgentDAO{
		AferoDAO: aferoDAO,
	}, nil
}

func (agentDAO *AgentDAO) Save(entity *entities.Agent) error {
	return agentDAO.AferoDAO.Save(entity)
}

func (agentDAO *AgentDAO) Get(id string) (*entities.Agent, error) {
	return agentDAO.AferoDAO.Get(id)
}

func (agentDAO *AgentDAO) Delete(entity *entities.Agent) error {
	return agentDAO.AferoDAO.Delete(entity)
}

func (agentDAO *AgentDAO) Count() (int, error) {
	return agentDAO.AferoDAO.Count()
}

func (agentDAO *AgentDAO) Page(
	pageQuery datastore.PageQuery) (datastore.PageResult[*entities.Agent], error) {

	return agentDAO.AferoDAO.Page(pageQuery)
}

func (agentDAO *AgentDAO) ForEachPage(
	pageQuery datastore.PageQuery,
	pagerProcFunc datastore.PagerProcFunc[*entities.Agent]) error {

	return agentDAO.AferoDAO.ForEachPage(pageQuery, pagerProcFunc)
}

// CommitAttestation writes the record only if the stored log offset
// still matches expectedOffset. A stored offset that advanced past the
// expectation means another writer committed a cycle for this agent,
// and the caller's derived state is stale.
func (agentDAO *AgentDAO) CommitAttestation(
	agent *entities.Agent, expectedOffset uint64) error {

	agentDAO.mu.Lock()
	defer agentDAO.mu.Unlock()

	stored, err := agentDAO.AferoDAO.Get(agent.ID)
	if err != nil && !errors.Is(err, datastore.ErrRecordNotFound) {
		return err
	}
	if stored != nil && stored.LogOffset != expectedOffset {
		return datastore.ErrCommitConflict
	}

	return agentDAO.AferoDAO.Save(agent)
}
