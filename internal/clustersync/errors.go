package clustersync

import "fmt"

// ConnectivityError means the cluster API could not be reached or rejected the credentials.
// No namespace or pod work is attempted for that cluster.
type ConnectivityError struct {
	ClusterID int64
	Err       error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("cluster %d unreachable: %v", e.ClusterID, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// FetchError means one list call failed after connectivity was established.
type FetchError struct {
	ClusterID int64
	Resource  string
	Err       error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("failed to fetch %s from cluster %d: %v", e.Resource, e.ClusterID, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// PersistenceError means a database write failed for one entity.
type PersistenceError struct {
	ClusterID int64
	Entity    string
	Err       error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("failed to persist %s for cluster %d: %v", e.Entity, e.ClusterID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// ResolutionError means the sync target could not be resolved to clusters. Nothing was synced.
type ResolutionError struct {
	Target string
	Reason string
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("invalid sync target %q: %s", e.Target, e.Reason)
}
