// Package icetest holds the conformance suites every ice.Store backend runs
// from its own tests, plus a controllable clock.
//
//	func TestConformance(t *testing.T) {
//	    icetest.RunStoreSuite(t, openTestStore)
//	    icetest.RunQueueSuite(t, openTestStore)
//	}
package icetest
