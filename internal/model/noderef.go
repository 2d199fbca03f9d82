package model

// NodeType tags the table a polymorphic node reference points at.
type NodeType string

const (
	NodeEntity    NodeType = "entity"
	NodeKnowledge NodeType = "knowledge"
	NodeLog       NodeType = "log"
	NodeJob       NodeType = "job"
	NodeAgent     NodeType = "agent"
	NodeFile      NodeType = "file"
	NodeProtocol  NodeType = "protocol"
)

// ValidNodeType reports whether t names a referenceable node table.
func ValidNodeType(t NodeType) bool {
	switch t {
	case NodeEntity, NodeKnowledge, NodeLog, NodeJob, NodeAgent, NodeFile, NodeProtocol:
		return true
	}
	return false
}

// NodeRef is a tagged reference to a record in one of the node tables.
// The store keeps the (type, id) string columns; the mediator dispatches
// on the tag. ID is a string because job ids are textual; for every other
// node type it holds a UUID in text form.
type NodeRef struct {
	Type NodeType `json:"type"`
	ID   string   `json:"id"`
}
