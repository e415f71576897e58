package service

import (
	"testing"

	"github.com/relaykit/wa-relay/internal/domain"
)

func TestPolicyAllows(t *testing.T) {
	admin := &domain.User{ID: "a", Role: domain.UserRoleAdmin}
	agent := &domain.User{ID: "u1", Role: domain.UserRoleAgent}
	own := &domain.Conversation{AssignedTo: ptr("u1")}
	other := &domain.Conversation{AssignedTo: ptr("u2")}
	unassigned := &domain.Conversation{}

	var p ConversationPolicy
	cases := []struct {
		name    string
		actor   *domain.User
		conv    *domain.Conversation
		ability Ability
		want    bool
	}{
		{"admin views any", admin, other, AbilityView, true},
		{"agent views own", agent, own, AbilityView, true},
		{"agent cannot view other", agent, other, AbilityView, false},
		{"agent cannot view unassigned", agent, unassigned, AbilityView, false},
		{"agent sends in own", agent, own, AbilitySendMessage, true},
		{"agent cannot close other", agent, other, AbilityClose, false},
		{"agent accepts unassigned", agent, unassigned, AbilityAccept, true},
		{"agent accepts own", agent, own, AbilityAccept, true},
		{"agent cannot accept other", agent, other, AbilityAccept, false},
		{"agent cannot lock unassigned", agent, unassigned, AbilityLock, false},
		{"nil actor", nil, own, AbilityView, false},
		{"unknown ability", agent, own, Ability("fly"), false},
	}
	for _, tc := range cases {
		if got := p.Allows(tc.actor, tc.conv, tc.ability); got != tc.want {
			t.Fatalf("%s: got %v want %v", tc.name, got, tc.want)
		}
	}
}

func TestPolicyAssignAndTransfer(t *testing.T) {
	admin := &domain.User{ID: "a", Role: domain.UserRoleAdmin}
	agent := &domain.User{ID: "u1", Role: domain.UserRoleAgent}
	own := &domain.Conversation{AssignedTo: ptr("u1")}
	other := &domain.Conversation{AssignedTo: ptr("u2")}

	var p ConversationPolicy
	if !p.AllowsAssign(agent, ptr("u1")) || !p.AllowsAssign(agent, nil) {
		t.Fatal("agent should self-assign or unassign")
	}
	if p.AllowsAssign(agent, ptr("u2")) {
		t.Fatal("agent must not assign to others")
	}
	if !p.AllowsAssign(admin, ptr("u2")) {
		t.Fatal("admin assigns anyone")
	}
	if !p.AllowsTransfer(agent, own, nil) {
		t.Fatal("assignee may hand the conversation back")
	}
	if p.AllowsTransfer(agent, own, ptr("u2")) {
		t.Fatal("agent must not transfer to someone else")
	}
	if p.AllowsTransfer(agent, other, nil) {
		t.Fatal("agent must not transfer a conversation they do not own")
	}
	if !p.AllowsTransfer(admin, other, ptr("u1")) {
		t.Fatal("admin transfers anything")
	}
}
