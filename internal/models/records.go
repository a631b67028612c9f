// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package models

import "time"

// Direction of a stored message relative to the inbox.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Inbox is an address this service accepts mail for.
type Inbox struct {
	ID        string
	Email     string
	Name      string
	CreatedAt time.Time
}

// Thread groups messages into one conversation.
type Thread struct {
	ID                string
	InboxID           string
	Subject           string
	NormalizedSubject string
	ParticipantHash   string
	Participants      []string
	LastMessageAt     time.Time
	MessageCount      int
	Preview           string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// HasParticipant reports whether addr is already listed on the thread.
func (t *Thread) HasParticipant(addr string) bool {
	for _, p := range t.Participants {
		if p == addr {
			return true
		}
	}
	return false
}

// Message is a stored email. (InboxID, ProviderMessageID) is unique when
// ProviderMessageID is set.
type Message struct {
	ID                string
	ThreadID          string
	InboxID           string
	Direction         Direction
	ProviderMessageID string

	Subject string
	From    string
	To      []string
	CC      []string
	BCC     []string

	InReplyTo  string
	References []string
	Headers    Headers

	Text      string
	HTML      string
	CleanText string
	CleanHTML string
	Preview   string

	SPF   Verdict
	DKIM  Verdict
	DMARC Verdict

	Size      int
	SentAt    time.Time
	CreatedAt time.Time
}

// Attachment is the metadata stored for an attachment whose bytes live in
// a blob backend.
type Attachment struct {
	ID             string
	MessageID      string
	Filename       string
	ContentType    string
	Disposition    Disposition
	ContentID      string
	Size           int64
	ContentHash    string
	StorageBackend string
	StorageKey     string
	CreatedAt      time.Time
}
