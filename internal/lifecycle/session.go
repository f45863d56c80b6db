package lifecycle

const (
	// PhaseActive means the host app is initialized and in the foreground.
	// Read markings are only honored in this phase.
	PhaseActive     = "initialized_and_active"
	PhaseBackground = "background"
	PhaseStarting   = "starting"
)

// SessionContext is the host-supplied oracle for app state. It answers the
// two questions the lifecycle manager cannot derive from stored data: is
// the app active, and is the user currently looking at a discussion.
type SessionContext interface {
	Phase() string
	IsViewingDiscussion(discussionID string) bool
}

// inactiveSession is the fallback when the host supplies no context; it
// never reports viewing, so read-once wipes are never withheld.
type inactiveSession struct{}

func (inactiveSession) Phase() string                   { return PhaseActive }
func (inactiveSession) IsViewingDiscussion(string) bool { return false }
