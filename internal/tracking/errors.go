package tracking

import "errors"

var (
	ErrInvalidDetection  = errors.New("invalid detection")
	ErrInvalidAssignment = errors.New("invalid track assignment")
	ErrFrameOutOfOrder   = errors.New("frame out of order")
	ErrRunAborted        = errors.New("run aborted")
)
