// Package exitcodes defines the standard exit codes used by kconform.
package exitcodes

// Exit code constants used by kconform
// These constants define the exit codes that the application uses to indicate
// various states when it exits:
//
// * Success (0): Used when all conformance tests pass
// * TestFailure (1): Used when one or more conformance tests fail
// * RuntimeErr (2): Used for runtime errors such as spawn failures, bad
//   manifests or panics
const (
	Success     = 0 // All tests pass
	TestFailure = 1 // Test failures
	RuntimeErr  = 2 // Runtime errors
)
