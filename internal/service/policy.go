package service

import "github.com/relaykit/wa-relay/internal/domain"

// Ability names a conversation permission.
type Ability string

const (
	AbilityView        Ability = "view"
	AbilityUpdate      Ability = "update"
	AbilityRead        Ability = "read"
	AbilitySendMessage Ability = "send_message"
	AbilityClose       Ability = "close"
	AbilityReopen      Ability = "reopen"
	AbilityDelete      Ability = "delete"
	AbilityAccept      Ability = "accept"
	AbilityLock        Ability = "lock"
)

// ConversationPolicy decides what an actor may do with a conversation.
// Admins may do everything.
type ConversationPolicy struct{}

// Allows covers abilities that do not involve a target user.
func (ConversationPolicy) Allows(actor *domain.User, conv *domain.Conversation, ability Ability) bool {
	if actor == nil || conv == nil {
		return false
	}
	if actor.IsAdmin() {
		return true
	}
	switch ability {
	case AbilityView, AbilityUpdate, AbilityRead, AbilitySendMessage, AbilityClose, AbilityReopen, AbilityDelete, AbilityLock:
		return conv.IsAssignedTo(actor.ID)
	case AbilityAccept:
		return conv.Unassigned() || conv.IsAssignedTo(actor.ID)
	}
	return false
}

// AllowsAssign lets agents assign to nobody or to themselves.
func (ConversationPolicy) AllowsAssign(actor *domain.User, target *string) bool {
	if actor == nil {
		return false
	}
	if actor.IsAdmin() {
		return true
	}
	return target == nil || *target == actor.ID
}

// AllowsTransfer lets the current assignee hand the conversation back or keep it.
func (ConversationPolicy) AllowsTransfer(actor *domain.User, conv *domain.Conversation, target *string) bool {
	if actor == nil || conv == nil {
		return false
	}
	if actor.IsAdmin() {
		return true
	}
	if !conv.IsAssignedTo(actor.ID) {
		return false
	}
	return target == nil || *target == actor.ID
}
