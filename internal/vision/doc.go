// Package vision holds the types shared by the voice-selected overlay
// pipeline: detections, normalised and screen rectangles, frames, camera
// positions and the detector result sum type.
//
// Subpackages own one concern each:
//
//	vocab      detector label space (fixed, embedded)
//	voice      transcript → active target labels
//	screenmap  normalised box → display rectangle
//	tracks     bounded track pool and per-frame render selection
//	pipeline   capture/presentation orchestration and lifecycle
//	overlay    overlay surface, fan-out and gRPC stream
//	recorder   optional write-only session log (sqlite)
//	replay     fixture-driven camera, detector and speech stand-ins
//	monitor    HTTP status, debug charts and command endpoint
//
// Dependency rule: vision imports none of its subpackages; pipeline is the
// composition root and nothing below it imports pipeline.
package vision
