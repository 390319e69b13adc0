package storage

import (
	"fmt"

	"github.com/sgaydamakov/counters/common"
)

// MongoError wraps a driver-level failure with the operation that triggered
// it, mirroring the teacher's CouchDBError shape (status/kind/reason). It
// unwraps to a common.CoreError of Kind StorageError so callers can test
// for it with common.IsStorageError without caring about the Mongo-specific
// Op/Kind detail.
type MongoError struct {
	Op     string
	Kind   string
	Reason string
	Err    error
}

func (e *MongoError) Error() string {
	return fmt.Sprintf("storage: %s failed (%s): %s", e.Op, e.Kind, e.Reason)
}

func (e *MongoError) Unwrap() error {
	return common.NewCoreError(common.StorageError, e.Reason, e.Err)
}
