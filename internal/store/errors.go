package store

import "errors"

var (
	ErrTokenNotFound       = errors.New("token not found")
	ErrAppointmentNotFound = errors.New("appointment not found")
	ErrEntryNotFound       = errors.New("appointment queue entry not found")
	ErrVisitNotFound       = errors.New("visit not found")
	ErrDuplicateToken      = errors.New("patient already has an active token")
	ErrInvalidState        = errors.New("token state does not allow this action")
	ErrDoctorBusy          = errors.New("doctor already has a consultation in progress")
	ErrNoToken             = errors.New("no token available")
)
