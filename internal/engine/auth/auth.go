package auth

import "fmt"

// ForbiddenError indicates the acting principal does not own the project
// behind the requested resource.
type ForbiddenError struct {
	ProjectID string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("project %s is owned by another actor", e.ProjectID)
}

// UnauthenticatedError indicates no principal was resolved for the request.
type UnauthenticatedError struct{}

func (UnauthenticatedError) Error() string { return "authentication required" }
