// Package tracking is the track lifecycle and statistics engine.
//
// One frame at a time, raw detector output is normalised into Detections,
// handed to an external Associator for persistent identities, and folded into
// a Registry that owns every Track seen during the run. Report and Summary
// recompute aggregate statistics from the registry on demand.
//
// A Registry and the Associator feeding it belong to exactly one run and must
// see frames in strictly increasing order.
package tracking
