// Package wire implements the tagged message set exchanged with the sync
// server, along with shape validation and the text codec.
package wire

// MessageType discriminates the closed set of wire messages.
type MessageType string

const (
	TypeSubscribe      MessageType = "subscribe"
	TypeUnsubscribe    MessageType = "unsubscribe"
	TypeMutation       MessageType = "mutation"
	TypeAction         MessageType = "action"
	TypeQueryResult    MessageType = "queryResult"
	TypeMutationResult MessageType = "mutationResult"
	TypeActionResult   MessageType = "actionResult"
	TypeError          MessageType = "error"
	TypePing           MessageType = "ping"
	TypePong           MessageType = "pong"
	TypeAuthenticate   MessageType = "authenticate"
	TypeAuthenticated  MessageType = "authenticated"
	TypeModifyQuerySet MessageType = "modifyQuerySet"
	TypeTransition     MessageType = "transition"
)

// Message is a tagged wire message.
type Message interface {
	Type() MessageType
}

// SubscribeJournal is the versioning hint carried on subscribe messages.
type SubscribeJournal struct {
	Base      int64         `json:"base"`
	Mutations []interface{} `json:"mutations"`
}

// ResultJournal is the versioning hint carried on query results.
type ResultJournal struct {
	Version   int64 `json:"version"`
	Timestamp int64 `json:"timestamp"`
}

// Identity describes the authenticated principal.
type Identity struct {
	Subject string `json:"subject"`
	Issuer  string `json:"issuer"`
}

type Subscribe struct {
	RequestID string            `json:"requestId"`
	QueryID   string            `json:"queryId"`
	Query     string            `json:"query"`
	Args      interface{}       `json:"args"`
	Journal   *SubscribeJournal `json:"journal,omitempty"`
}

func (Subscribe) Type() MessageType { return TypeSubscribe }

type Unsubscribe struct {
	QueryID string `json:"queryId"`
}

func (Unsubscribe) Type() MessageType { return TypeUnsubscribe }

type Mutation struct {
	RequestID string      `json:"requestId"`
	Mutation  string      `json:"mutation"`
	Args      interface{} `json:"args"`
}

func (Mutation) Type() MessageType { return TypeMutation }

type Action struct {
	RequestID string      `json:"requestId"`
	Action    string      `json:"action"`
	Args      interface{} `json:"args"`
}

func (Action) Type() MessageType { return TypeAction }

type QueryResult struct {
	QueryID  string         `json:"queryId"`
	Value    interface{}    `json:"value"`
	LogLines []string       `json:"logLines"`
	Journal  *ResultJournal `json:"journal,omitempty"`
}

func (QueryResult) Type() MessageType { return TypeQueryResult }

type MutationResult struct {
	RequestID string      `json:"requestId"`
	Success   bool        `json:"success"`
	Value     interface{} `json:"value"`
	LogLines  []string    `json:"logLines"`
	Error     string      `json:"error,omitempty"`
	ErrorData interface{} `json:"errorData,omitempty"`
}

func (MutationResult) Type() MessageType { return TypeMutationResult }

type ActionResult struct {
	RequestID string      `json:"requestId"`
	Success   bool        `json:"success"`
	Value     interface{} `json:"value"`
	LogLines  []string    `json:"logLines"`
	Error     string      `json:"error,omitempty"`
	ErrorData interface{} `json:"errorData,omitempty"`
}

func (ActionResult) Type() MessageType { return TypeActionResult }

type Error struct {
	Error     string      `json:"error"`
	ErrorCode string      `json:"errorCode"`
	RequestID string      `json:"requestId,omitempty"`
	ErrorData interface{} `json:"errorData,omitempty"`
}

func (Error) Type() MessageType { return TypeError }

type Ping struct{}

func (Ping) Type() MessageType { return TypePing }

type Pong struct{}

func (Pong) Type() MessageType { return TypePong }

type Authenticate struct {
	Token       string `json:"token"`
	BaseVersion int64  `json:"baseVersion,omitempty"`
}

func (Authenticate) Type() MessageType { return TypeAuthenticate }

type Authenticated struct {
	Identity *Identity `json:"identity,omitempty"`
}

func (Authenticated) Type() MessageType { return TypeAuthenticated }

type ModifyQuerySet struct {
	BaseVersion   int64         `json:"baseVersion"`
	NewVersion    int64         `json:"newVersion"`
	Modifications []interface{} `json:"modifications"`
}

func (ModifyQuerySet) Type() MessageType { return TypeModifyQuerySet }

type Transition struct {
	StartVersion  int64         `json:"startVersion"`
	EndVersion    int64         `json:"endVersion"`
	Modifications []interface{} `json:"modifications"`
}

func (Transition) Type() MessageType { return TypeTransition }
