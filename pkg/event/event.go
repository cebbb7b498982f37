// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package event defines the canonical event vocabulary produced by a
// cluster run and the Event Mapper that translates raw target records
// into it.
package event

// Canonical event names.
const (
	SendMessage        = "SendMessage"
	DeliverMessage     = "DeliverMessage"
	Add                = "Add"
	Remove             = "Remove"
	ClientRequest      = "ClientRequest"
	BecomeLeader       = "BecomeLeader"
	Timeout            = "Timeout"
	MembershipChange   = "MembershipChange"
	UpdateSnapshot     = "UpdateSnapshot"
	AdvanceCommitIndex = "AdvanceCommitIndex"
)

// Canonical message types, the wire vocabulary the oracle accepts on
// SendMessage/DeliverMessage params.type.
const (
	MsgApp      = "MsgApp"
	MsgAppResp  = "MsgAppResp"
	MsgVote     = "MsgVote"
	MsgVoteResp = "MsgVoteResp"
)

// Event is one canonical, appended record in the global event trace.
type Event struct {
	Name   string                 `json:"name"`
	Params map[string]interface{} `json:"params,omitempty"`
}
