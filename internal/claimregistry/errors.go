package claimregistry

import "errors"

// ErrNoActiveRecord names the condition of a tracker with no active record
// to mutate. No Tracker method in this package returns it: a Tracker is only
// ever constructed alongside its record.
var ErrNoActiveRecord = errors.New("claimregistry: tracker has no active record")
