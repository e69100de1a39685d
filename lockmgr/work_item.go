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

package lockmgr

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/cardinalhq/tenantdb/identitydb"
)

// WorkItem is one outbox row checked out through the manager.
type WorkItem struct {
	record identitydb.OutboxRecord
	stamp  identitydb.Stamp

	closed bool
	mgr    *obManager
}

// Complete removes the item from the outbox.
func (w *WorkItem) Complete() error {
	return w.finish(true, time.Time{})
}

// Fail checks the item back in, to be retried no earlier than nextRunTime.
func (w *WorkItem) Fail(nextRunTime time.Time) error {
	return w.finish(false, nextRunTime)
}

func (w *WorkItem) finish(complete bool, nextRunTime time.Time) error {
	if w.closed {
		return nil
	}
	w.closed = true

	if w.mgr == nil {
		return errors.New("work item manager is nil")
	}

	defer w.mgr.outstandingWork.Done()

	select {
	case <-w.mgr.done:
		return ErrShutdown
	default:
	}

	req := &workFinishRequest{
		WorkItem:    w,
		complete:    complete,
		nextRunTime: nextRunTime,
		resp:        make(chan error, 1),
	}
	select {
	case w.mgr.finishWork <- req:
	case <-w.mgr.done:
		return ErrShutdown
	}
	select {
	case err := <-req.resp:
		return err
	case <-w.mgr.done:
		// the loop may have answered just before exiting
		select {
		case err := <-req.resp:
			return err
		default:
			return ErrShutdown
		}
	}
}

// Record returns a copy of the checked out row.
func (w *WorkItem) Record() identitydb.OutboxRecord {
	return w.record
}

// Stamp returns the stamp holding the row.
func (w *WorkItem) Stamp() identitydb.Stamp {
	return w.stamp
}

func (w *WorkItem) RowID() int64 {
	return w.record.RowID
}

func (w *WorkItem) DriveID() uuid.UUID {
	return w.record.DriveID
}

func (w *WorkItem) FileID() uuid.UUID {
	return w.record.FileID
}

func (w *WorkItem) Recipient() string {
	return w.record.Recipient
}

func (w *WorkItem) Type() int32 {
	return w.record.Type
}

func (w *WorkItem) Value() []byte {
	return w.record.Value
}

// CheckOutCount is the number of times the row has been checked out, this one included.
func (w *WorkItem) CheckOutCount() int32 {
	return w.record.CheckOutCount
}

func (w *WorkItem) CorrelationID() string {
	return w.record.CorrelationID
}

// AsMap converts the work item to a map representation for logging.
func (w *WorkItem) AsMap() map[string]any {
	return map[string]any{
		"rowId":         w.record.RowID,
		"identityId":    w.record.IdentityID,
		"driveId":       w.record.DriveID,
		"fileId":        w.record.FileID,
		"recipient":     w.record.Recipient,
		"type":          w.record.Type,
		"priority":      w.record.Priority,
		"checkOutCount": w.record.CheckOutCount,
		"stamp":         w.stamp.Token,
		"correlationId": w.record.CorrelationID,
	}
}
