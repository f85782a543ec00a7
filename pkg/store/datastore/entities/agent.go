package entities

import "time"

// AgentState is the verification lifecycle state of an enrolled agent.
// Failed is terminal: once an agent fails verification it is never
// verified again without re-enrollment.
type AgentState string

const (
	AgentStateRegistered AgentState = "registered"
	AgentStateActive     AgentState = "active"
	AgentStateFailed     AgentState = "failed"
)

// Agent is the persisted verification record for one enrolled agent:
// its attestation key, trust state, and the measurement log position
// and folded register values from the last accepted cycle. The record
// is the commit unit for a verification cycle; offset and registers
// are always written together.
type Agent struct {
	ID           string           `json:"id"`
	Host         string           `json:"host"`
	AKPub        []byte           `json:"ak_pub"`
	State        AgentState       `json:"state"`
	PolicyRef    string           `json:"policy_ref"`
	LogOffset    uint64           `json:"log_offset"`
	Registers    map[int32]string `json:"registers,omitempty"`
	FailureCount int              `json:"failure_count"`
	Backoff      time.Duration    `json:"backoff,omitempty"`
	LastAttested time.Time        `json:"last_attested,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	KeyValueEntity
}

func NewAgent(id, host string, akPub []byte, policyRef string) *Agent {
	return &Agent{
		ID:        id,
		Host:      host,
		AKPub:     akPub,
		State:     AgentStateRegistered,
		PolicyRef: policyRef,
		Registers: make(map[int32]string),
		CreatedAt: time.Now(),
	}
}

func (agent *Agent) SetEntityID(id string) {
	agent.ID = id
}

func (agent *Agent) EntityID() string {
	return agent.ID
}

func (agent *Agent) Partition() string {
	return "agents"
}
