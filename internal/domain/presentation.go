package domain

// Presentation is the state a user interface renders for a session.
type Presentation struct {
	// ToggleEngaged is true while a session is connecting or live.
	ToggleEngaged bool
	// OrientationLocked is true while a session is live.
	OrientationLocked bool
}
