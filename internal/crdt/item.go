package crdt

// Item holds the identifier and content of a single sequence element. Items
// are tombstoned instead of removed so concurrent replicas can still order and
// address them.
type Item struct {
	ID        Identifier `json:"id"`
	Content   string     `json:"v"`
	IsDeleted bool       `json:"d,omitempty"`
}
