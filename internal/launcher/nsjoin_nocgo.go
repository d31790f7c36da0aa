//go:build !cgo || !linux

package launcher

// cgoNsjoinAvailable is false in a build without the nsjoin_cgo.go
// constructor: JoinRunning refuses the join outright rather than
// calling Setns directly from this (already multithreaded) process,
// which the kernel would reject for CLONE_NEWUSER anyway — see
// JoinRunning's doc comment in join.go.
const cgoNsjoinAvailable = false
