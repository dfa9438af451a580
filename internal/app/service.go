package app

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/samber/lo"

	"messageexchange/api/internal/audit"
	"messageexchange/api/internal/auth"
	"messageexchange/api/internal/config"
	"messageexchange/api/internal/readreceipt"
	"messageexchange/api/internal/sequence"
	"messageexchange/api/internal/store"
	"messageexchange/api/internal/util"
)

// ConversationInput is the body of a create or update request. A nil field
// was not sent; on update it keeps its stored value.
type ConversationInput struct {
	ChannelID          string              `json:"channelId"`
	Topic              *string             `json:"topic"`
	Participants       *[]store.Identifier `json:"participants"`
	Metadata           *[]store.KeyValues  `json:"metadata"`
	ExternalReferences *[]store.KeyValues  `json:"externalReferences"`
}

type MessageInput struct {
	InReplyToMessageID string `json:"inReplyToMessageId"`
	Content            string `json:"content"`
}

type PageResult[T any] struct {
	Content       []T `json:"content"`
	Page          int `json:"page"`
	Size          int `json:"size"`
	TotalElements int `json:"totalElements"`
	TotalPages    int `json:"totalPages"`
}

func newPageResult[T any](content []T, page store.Page, total int) PageResult[T] {
	if content == nil {
		content = []T{}
	}
	totalPages := 0
	if page.Size > 0 {
		totalPages = (total + page.Size - 1) / page.Size
	}
	return PageResult[T]{
		Content:       content,
		Page:          page.Number,
		Size:          page.Size,
		TotalElements: total,
		TotalPages:    totalPages,
	}
}

const updateAttempts = 3

type dataStore interface {
	ListConversations(context.Context, string, string, store.Page) ([]store.Conversation, int, error)
	GetConversation(context.Context, string, string, string) (store.Conversation, error)
	InsertConversation(context.Context, store.Conversation) error
	UpdateConversation(context.Context, store.Conversation) (bool, error)
	DeleteConversation(context.Context, string, string, string) (bool, error)
	InsertMessage(context.Context, store.Message) error
	ListMessages(context.Context, string, store.Page) ([]store.Message, int, error)
	DeleteMessage(context.Context, string, string) (bool, error)
	UpsertReadMark(context.Context, string, store.ReadMark) (store.ReadMark, error)
	Ping(ctx context.Context) error
}

type Service struct {
	cfg       config.Config
	store     dataStore
	sequences sequence.Allocator
	receipts  *readreceipt.Tracker
	now       func() time.Time
}

func New(cfg config.Config, dataStore *store.PostgresStore, sequences sequence.Allocator) *Service {
	return newService(cfg, dataStore, sequences)
}

func newService(cfg config.Config, dataStore dataStore, sequences sequence.Allocator) *Service {
	return &Service{
		cfg:       cfg,
		store:     dataStore,
		sequences: sequences,
		receipts:  readreceipt.New(dataStore),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) ListConversations(ctx context.Context, tenant sequence.TenantKey, page store.Page) (PageResult[store.Conversation], error) {
	items, total, err := s.store.ListConversations(ctx, tenant.Namespace, tenant.MunicipalityID, page)
	if err != nil {
		return PageResult[store.Conversation]{}, err
	}
	return newPageResult(items, page, total), nil
}

func (s *Service) GetConversation(ctx context.Context, tenant sequence.TenantKey, conversationID string) (store.Conversation, error) {
	return s.store.GetConversation(ctx, tenant.Namespace, tenant.MunicipalityID, conversationID)
}

func (s *Service) CreateConversation(ctx context.Context, tenant sequence.TenantKey, input ConversationInput) (store.Conversation, error) {
	if err := validateConversationInput(&input); err != nil {
		return store.Conversation{}, err
	}

	item := store.Conversation{
		ID:                 util.NewID(),
		Namespace:          tenant.Namespace,
		MunicipalityID:     tenant.MunicipalityID,
		ChannelID:          strings.TrimSpace(input.ChannelID),
		Topic:              lo.FromPtr(input.Topic),
		Participants:       lo.FromPtr(input.Participants),
		Metadata:           lo.FromPtr(input.Metadata),
		ExternalReferences: lo.FromPtr(input.ExternalReferences),
	}
	if err := s.store.InsertConversation(ctx, item); err != nil {
		return store.Conversation{}, err
	}
	return s.store.GetConversation(ctx, tenant.Namespace, tenant.MunicipalityID, item.ID)
}

// UpdateConversation applies the fields present in input. When the change is
// worth auditing, a system message describing it is appended to the
// conversation; failing to write it does not fail the update. The write only
// lands on the version that was diffed, so a concurrent update makes it
// re-read and diff again.
func (s *Service) UpdateConversation(ctx context.Context, tenant sequence.TenantKey, conversationID string, input ConversationInput, actor *store.Identifier) (store.Conversation, error) {
	if err := validateConversationInput(&input); err != nil {
		return store.Conversation{}, err
	}

	for attempt := 1; attempt <= updateAttempts; attempt++ {
		current, err := s.store.GetConversation(ctx, tenant.Namespace, tenant.MunicipalityID, conversationID)
		if err != nil {
			return store.Conversation{}, err
		}

		summary, changed := audit.Diff(audit.SnapshotOf(current), audit.Update{
			Topic:              input.Topic,
			Participants:       input.Participants,
			ExternalReferences: input.ExternalReferences,
		})

		ok, err := s.store.UpdateConversation(ctx, applyConversationInput(current, input))
		if err != nil {
			return store.Conversation{}, err
		}
		if !ok {
			log.Printf("app: conversation %s changed during update (attempt %d/%d)", conversationID, attempt, updateAttempts)
			continue
		}

		if changed {
			if _, err := s.appendMessage(ctx, tenant, conversationID, store.MessageTypeSystem, summary, "", actor); err != nil {
				log.Printf("app: audit message for conversation %s: %v", conversationID, err)
			}
		}
		return s.store.GetConversation(ctx, tenant.Namespace, tenant.MunicipalityID, conversationID)
	}
	return store.Conversation{}, domainError(http.StatusConflict, "CONVERSATION_CONFLICT", "conversation was modified concurrently, retry the request", nil)
}

func applyConversationInput(current store.Conversation, input ConversationInput) store.Conversation {
	updated := current
	if input.Topic != nil {
		updated.Topic = *input.Topic
	}
	if input.Participants != nil {
		updated.Participants = *input.Participants
	}
	if input.Metadata != nil {
		updated.Metadata = *input.Metadata
	}
	if input.ExternalReferences != nil {
		updated.ExternalReferences = *input.ExternalReferences
	}
	return updated
}

func (s *Service) DeleteConversation(ctx context.Context, tenant sequence.TenantKey, conversationID string) error {
	ok, err := s.store.DeleteConversation(ctx, tenant.Namespace, tenant.MunicipalityID, conversationID)
	if err != nil {
		return err
	}
	if !ok {
		return sql.ErrNoRows
	}
	return nil
}

func (s *Service) CreateMessage(ctx context.Context, tenant sequence.TenantKey, conversationID string, input MessageInput, sender *store.Identifier) (store.Message, error) {
	content := strings.TrimSpace(input.Content)
	if content == "" {
		return store.Message{}, validationError("content is required", nil)
	}
	replyTo := strings.TrimSpace(input.InReplyToMessageID)
	if replyTo != "" && !util.IsID(replyTo) {
		return store.Message{}, validationError("inReplyToMessageId must be a UUID", nil)
	}

	if _, err := s.store.GetConversation(ctx, tenant.Namespace, tenant.MunicipalityID, conversationID); err != nil {
		return store.Message{}, err
	}
	return s.appendMessage(ctx, tenant, conversationID, store.MessageTypeUser, content, replyTo, sender)
}

// appendMessage allocates the sequence number before anything is written, so
// an allocation failure leaves no message behind.
func (s *Service) appendMessage(ctx context.Context, tenant sequence.TenantKey, conversationID, messageType, content, replyTo string, sender *store.Identifier) (store.Message, error) {
	number, err := s.sequences.Next(ctx, tenant)
	if err != nil {
		return store.Message{}, err
	}

	now := s.now()
	message := store.Message{
		ID:                 util.NewID(),
		ConversationID:     conversationID,
		Namespace:          tenant.Namespace,
		MunicipalityID:     tenant.MunicipalityID,
		SequenceNumber:     number,
		InReplyToMessageID: replyTo,
		Type:               messageType,
		Content:            content,
		CreatedBy:          sender,
		CreatedAt:          now,
	}
	if sender != nil {
		message.ReadBy = []store.ReadMark{{Identifier: *sender, ReadAt: now}}
	}

	if err := s.store.InsertMessage(ctx, message); err != nil {
		return store.Message{}, err
	}
	return message, nil
}

// ListMessages returns one page in sequence order and marks it read by
// reader when one is known.
func (s *Service) ListMessages(ctx context.Context, tenant sequence.TenantKey, conversationID string, page store.Page, reader *store.Identifier) (PageResult[store.Message], error) {
	if _, err := s.store.GetConversation(ctx, tenant.Namespace, tenant.MunicipalityID, conversationID); err != nil {
		return PageResult[store.Message]{}, err
	}
	items, total, err := s.store.ListMessages(ctx, conversationID, page)
	if err != nil {
		return PageResult[store.Message]{}, err
	}
	s.receipts.MarkRead(ctx, items, reader)
	return newPageResult(items, page, total), nil
}

func (s *Service) DeleteMessage(ctx context.Context, tenant sequence.TenantKey, conversationID, messageID string) error {
	if _, err := s.store.GetConversation(ctx, tenant.Namespace, tenant.MunicipalityID, conversationID); err != nil {
		return err
	}
	ok, err := s.store.DeleteMessage(ctx, conversationID, messageID)
	if err != nil {
		return err
	}
	if !ok {
		return sql.ErrNoRows
	}
	return nil
}

func validateConversationInput(input *ConversationInput) error {
	if input.Topic != nil {
		topic := strings.TrimSpace(*input.Topic)
		input.Topic = &topic
	}
	if input.Participants != nil {
		normalized := make([]store.Identifier, 0, len(*input.Participants))
		for _, participant := range *input.Participants {
			id, ok := auth.NormalizeIdentifier(participant)
			if !ok {
				return validationError("participants must have type adAccount or partyId and a value", participant)
			}
			normalized = append(normalized, id)
		}
		input.Participants = &normalized
	}
	for _, list := range []*[]store.KeyValues{input.Metadata, input.ExternalReferences} {
		if list == nil {
			continue
		}
		for _, item := range *list {
			if strings.TrimSpace(item.Key) == "" {
				return validationError("key is required", nil)
			}
		}
	}
	return nil
}
