/*
Package dbtest spins up Neo4j containers for tests that exercise the
provision graph against a real database.

It wraps the testcontainers-go library with the defaults our store tests
need: a schema-bootstrapped database, '-short' awareness, and cleanup tied to
the test lifecycle. Tests that need a non-standard Neo4j setup should use the
testcontainers-go modules directly.

Developing locally with Docker, you may want to manually inspect the database
after a test failure. To do this, set the Inspect flag to true:

	go test -dbtest.inspect

This package is intended to be used in tests only. It is not suitable for
production use.
*/
package dbtest
