package executor

// Store holds the in-process set of executors. Implementations guard the set
// with one lock, replace whole records and hand out copies.
type Store interface {
	Create(exec *Executor) error
	GetByID(executorID string) (*Executor, error)
	List() []*Executor
	// Update applies fn to a copy of the record and stores the result as a
	// whole. An error from fn leaves the record untouched.
	Update(executorID string, fn func(*Executor) error) (*Executor, error)
	Delete(executorID string) error
}
