package app

import (
	"time"

	"github.com/samber/lo"

	"messageexchange/api/internal/store"
)

func conversationResponse(item store.Conversation) map[string]any {
	return map[string]any{
		"id":                   item.ID,
		"namespace":            item.Namespace,
		"municipalityId":       item.MunicipalityID,
		"channelId":            item.ChannelID,
		"topic":                item.Topic,
		"participants":         nonNil(item.Participants),
		"metadata":             nonNil(item.Metadata),
		"externalReferences":   nonNil(item.ExternalReferences),
		"latestSequenceNumber": item.LatestSequenceNumber,
		"created":              item.CreatedAt.Format(time.RFC3339Nano),
		"updated":              item.UpdatedAt.Format(time.RFC3339Nano),
	}
}

func conversationsResponse(items []store.Conversation) []map[string]any {
	return lo.Map(items, func(item store.Conversation, _ int) map[string]any {
		return conversationResponse(item)
	})
}

func messageResponse(item store.Message) map[string]any {
	response := map[string]any{
		"id":             item.ID,
		"sequenceNumber": item.SequenceNumber,
		"type":           item.Type,
		"content":        item.Content,
		"created":        item.CreatedAt.Format(time.RFC3339Nano),
		"createdBy":      item.CreatedBy,
		"readBy": lo.Map(item.ReadBy, func(mark store.ReadMark, _ int) map[string]any {
			return map[string]any{
				"identifier": mark.Identifier,
				"readAt":     mark.ReadAt.Format(time.RFC3339Nano),
			}
		}),
	}
	if item.InReplyToMessageID != "" {
		response["inReplyToMessageId"] = item.InReplyToMessageID
	}
	return response
}

func messagesResponse(items []store.Message) []map[string]any {
	return lo.Map(items, func(item store.Message, _ int) map[string]any {
		return messageResponse(item)
	})
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
