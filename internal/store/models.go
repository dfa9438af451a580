package store

import (
	"time"

	"github.com/samber/lo"
)

const (
	IdentifierAdAccount = "adAccount"
	IdentifierPartyID   = "partyId"
)

const (
	MessageTypeUser   = "USER_CREATED"
	MessageTypeSystem = "SYSTEM_CREATED"
)

// Identifier names the caller behind an action. Two identifiers are the
// same identity when both Type and Value match.
type Identifier struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type KeyValues struct {
	Key    string   `json:"key"`
	Values []string `json:"values"`
}

type Conversation struct {
	ID                   string
	Namespace            string
	MunicipalityID       string
	ChannelID            string
	Topic                string
	Participants         []Identifier
	Metadata             []KeyValues
	ExternalReferences   []KeyValues
	LatestSequenceNumber *int64
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// ReadMark records that an identity has fetched a message.
type ReadMark struct {
	Identifier Identifier
	ReadAt     time.Time
}

type Message struct {
	ID                 string
	ConversationID     string
	Namespace          string
	MunicipalityID     string
	SequenceNumber     int64
	InReplyToMessageID string
	Type               string
	Content            string
	CreatedBy          *Identifier
	CreatedAt          time.Time
	ReadBy             []ReadMark
}

// HasReader reports whether the message already carries a mark for reader.
func (m Message) HasReader(reader Identifier) bool {
	return lo.ContainsBy(m.ReadBy, func(mark ReadMark) bool {
		return mark.Identifier == reader
	})
}

// Page selects a zero-based page of rows.
type Page struct {
	Number int
	Size   int
}

func (p Page) Offset() int {
	return p.Number * p.Size
}
