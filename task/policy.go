package task

// ValidStatuses returns every known status in lifecycle order.
func ValidStatuses() []Status {
	return []Status{
		StatusPending,
		StatusStarting,
		StatusRunning,
		StatusCompleted,
		StatusFailed,
		StatusCancelled,
	}
}

// ActiveStatuses returns the statuses that count toward a user's quota.
func ActiveStatuses() []Status {
	return []Status{StatusPending, StatusStarting, StatusRunning}
}

// IsValidStatus reports whether s is a known status.
func IsValidStatus(s Status) bool {
	switch s {
	case StatusPending, StatusStarting, StatusRunning,
		StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// IsCancellable reports whether a task in status s may still be cancelled.
func IsCancellable(s Status) bool {
	switch s {
	case StatusPending, StatusStarting, StatusRunning:
		return true
	}
	return false
}

// IsTerminal reports whether s has no outgoing transitions.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// IsValidTransition reports whether a task may move from one status to another.
func IsValidTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusStarting || to == StatusCancelled
	case StatusStarting:
		return to == StatusRunning || to == StatusFailed || to == StatusCancelled
	case StatusRunning:
		return to == StatusCompleted || to == StatusFailed || to == StatusCancelled
	}
	return false
}
