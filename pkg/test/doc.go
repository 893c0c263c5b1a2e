/*
Package test provides testing utilities for outbox-relay.

This package includes:
  - Suite: Base test suite with context and testify integration
  - Run: runs a suite from a standard Test* function

It has no database or Redis helpers; the store integration suite starts
its own Postgres container.

Usage:

	import "github.com/chris-alexander-pop/outbox-relay/pkg/test"

	type MyTestSuite struct {
		test.Suite
	}

	func (s *MyTestSuite) TestSomething() {
		s.NoError(doSomething(s.Ctx))
	}

	func TestMySuite(t *testing.T) {
		test.Run(t, new(MyTestSuite))
	}
*/
package test
