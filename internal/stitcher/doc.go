// Package stitcher assembles the final recap video from a job's completed
// segments. It builds the ordered assembly plan, hands it to the transcoder
// for cutting, retiming and muxing, and stores the result as a blob.
package stitcher
