// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package identitydb

import (
	"bytes"
	"time"

	"github.com/google/uuid"

	"github.com/cardinalhq/tenantdb/internal/idgen"
)

// Stamp marks a batch of queue rows as held by one consumer.
type Stamp struct {
	Token    uuid.UUID
	IssuedAt time.Time
}

// NewStamp returns a fresh stamp issued now. Timestamps are kept at the
// store's microsecond precision.
func NewStamp() Stamp {
	return Stamp{
		Token:    idgen.NewToken(),
		IssuedAt: time.Now().UTC().Truncate(time.Microsecond),
	}
}

func (s Stamp) IsZero() bool {
	return s.Token == uuid.Nil
}

type OutboxRecord struct {
	RowID            int64
	IdentityID       TenantID
	DriveID          uuid.UUID
	FileID           uuid.UUID
	Recipient        string
	Type             int32
	Priority         int64
	DependencyFileID uuid.NullUUID
	CheckOutCount    int32
	NextRunTime      time.Time
	Value            []byte
	CheckOutStamp    uuid.NullUUID
	CheckOutAt       *time.Time
	CorrelationID    string
	Created          time.Time
	Modified         time.Time
}

// Stamp returns the stamp holding the record, if it is checked out.
func (r *OutboxRecord) Stamp() (Stamp, bool) {
	if !r.CheckOutStamp.Valid || r.CheckOutAt == nil {
		return Stamp{}, false
	}
	return Stamp{Token: r.CheckOutStamp.UUID, IssuedAt: *r.CheckOutAt}, true
}

type OutboxStatus struct {
	Total       int64
	CheckedOut  int64
	NextRunTime *time.Time
}

type InboxRecord struct {
	RowID         int64
	IdentityID    TenantID
	BoxID         uuid.UUID
	FileID        uuid.UUID
	Priority      int32
	Timestamp     time.Time
	Value         []byte
	PopStamp      uuid.NullUUID
	PoppedAt      *time.Time
	CorrelationID string
	Created       time.Time
	Modified      time.Time
}

type PopStatus struct {
	Total        int64
	Popped       int64
	OldestPopped *time.Time
}

type CircleMemberRecord struct {
	IdentityID TenantID
	CircleID   uuid.UUID
	MemberID   uuid.UUID
	Data       []byte
	Created    time.Time
	Modified   time.Time
}

func (r CircleMemberRecord) clone() CircleMemberRecord {
	r.Data = bytes.Clone(r.Data)
	return r
}

// FollowRecord is a row of either follower table.
type FollowRecord struct {
	IdentityID TenantID
	Identity   string
	DriveID    uuid.UUID
	Created    time.Time
	Modified   time.Time
}

type DriveReactionRecord struct {
	IdentityID     TenantID
	DriveID        uuid.UUID
	PostID         uuid.UUID
	Identity       string
	SingleReaction string
}

// ReactionSummary counts reactions on one post.
type ReactionSummary struct {
	Counts map[string]int64
	Total  int64
}

type DriveIndexRecord struct {
	IdentityID TenantID
	DriveID    uuid.UUID
	FileID     uuid.UUID
	ItemID     uuid.UUID
}

type KeyValueRecord struct {
	IdentityID TenantID
	Key        []byte
	Data       []byte
}
