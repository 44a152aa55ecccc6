// Package exitcodes defines the standard exit codes used by the orchestrator.
package exitcodes

// Exit code constants used by the orchestrator
// These constants define the exit codes that the application uses to indicate
// various states when it exits:
//
// * Success (0): Used when the test suite passes and results are collected
// * TestFailure (1): Used when the test suite reports failures
// * RuntimeErr (2): Used for runtime errors such as credential or
//   configuration failures, panics, and timeouts
const (
	Success     = 0 // Test suite passed
	TestFailure = 1 // Test suite failed
	RuntimeErr  = 2 // Runtime errors or timeouts
)
