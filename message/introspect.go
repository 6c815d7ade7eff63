package message

// Built-in procedures every service answers. They live in the private
// namespace, so user code can neither register nor list them.
const (
	PingName    = "_rpc.ping"
	NameName    = "_rpc.name"
	ListName    = "_rpc.list"
	InspectName = "_rpc.inspect"
)

// Inspection is the result of InspectName.
type Inspection struct {
	Name       string          `json:"name" bson:"name"`
	Procedures []ProcedureInfo `json:"procedures" bson:"procedures"`
}

// ProcedureInfo describes one public procedure.
type ProcedureInfo struct {
	Name string `json:"name" bson:"name"`
	Doc  string `json:"doc,omitempty" bson:"doc,omitempty"`
}
