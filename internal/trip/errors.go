package trip

import "errors"

var (
	ErrInvalidTrip          = errors.New("invalid trip")
	ErrStopNotFound         = errors.New("stop not found")
	ErrStopNotEligible      = errors.New("stop is not eligible for arrival")
	ErrFormNotFound         = errors.New("form not pending at stop")
	ErrSequencingIncomplete = errors.New("sequenced stops are not all completed")
	ErrUncompletedForms     = errors.New("uncompleted forms")
	ErrTripClosed           = errors.New("trip is completed")
)
