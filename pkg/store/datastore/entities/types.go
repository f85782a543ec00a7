package entities

type KeyValueEntity interface {
	SetEntityID(id string)
	EntityID() string
}
