package invoiceflow

import "go.jetify.com/typeid"

// NewWorkflowID returns a new unique workflow identifier.
func NewWorkflowID() string {
	return newID("wf")
}

// NewCheckpointID returns a new unique checkpoint identifier.
func NewCheckpointID() string {
	return newID("chk")
}

// NewResumeToken returns a one-time resume credential.
func NewResumeToken() string {
	return newID("resume")
}

func newID(prefix string) string {
	id, err := typeid.WithPrefix(prefix)
	if err != nil {
		panic(err)
	}
	return id.String()
}
