package firewatch

import "fmt"

// DatabaseInfo identifies the database a datastore connects to. The value is
// immutable for the life of the process.
type DatabaseInfo struct {
	ProjectID      string
	DatabaseID     string
	Host           string
	SSLEnabled     bool
	PersistenceKey string
}

// DatabaseName returns the fully qualified resource name of the database.
// The same value is attached to every RPC as the resource prefix header so
// the backend can route requests before parsing the payload.
func (i *DatabaseInfo) DatabaseName() string {
	return fmt.Sprintf("projects/%s/databases/%s", i.ProjectID, i.DatabaseID)
}

func (i *DatabaseInfo) String() string {
	return fmt.Sprintf("%s@%s", i.DatabaseName(), i.Host)
}
