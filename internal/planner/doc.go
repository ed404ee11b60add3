// Package planner turns a source video into an ordered, deterministic list
// of narration segments. Scripted jobs derive one segment per script
// paragraph via a two-pass matcher; unscripted jobs derive segments from the
// chapter service's coarse chapters. Each segment carries a fingerprint used
// by the result cache to skip work a recovered job already finished.
package planner
