package impact

import "errors"

var (
	ErrArtefactNotFound   = errors.New("artefact not found")
	ErrEmptyContent       = errors.New("artefact content is empty")
	ErrUnsupportedFormat  = errors.New("unsupported document format")
	ErrRunNotFound        = errors.New("impact run not found")
	ErrItemNotFound       = errors.New("impact item not found")
	ErrInvalidStatus      = errors.New("invalid review status")
	ErrInvalidTransition  = errors.New("review status transition not allowed")
	ErrInvalidEdge        = errors.New("invalid linkage edge")
	ErrEdgeNotFound       = errors.New("linkage edge not found")
	ErrSuggestionNotFound = errors.New("link suggestion not found")
	ErrSuggestionDecided  = errors.New("link suggestion already decided")
	ErrArtefactMismatch   = errors.New("runs belong to different artefacts")
	ErrRunNotCompleted    = errors.New("impact run is not completed")
	ErrNoOracle           = errors.New("oracle not configured")
	ErrClosed             = errors.New("impact engine closed")
)
