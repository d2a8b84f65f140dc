package dbtest

import (
	"flag"
	"os"
	"os/signal"
)

// Inspect keeps a failed test's Neo4j container alive instead of tearing it
// down, so the provision graph can be queried by hand to understand what the
// failing upsert or analytics query actually left behind.
//
// The reprieve is temporary: the testcontainers reaper still collects the
// container after its usual grace period.
var Inspect = flag.Bool("dbtest.inspect", false, "keep the neo4j container of a failed test running for manual inspection")

// waitForInspection parks the container cleanup until the developer
// interrupts the test process (Ctrl+C), signalling they are done with the
// graph.
func waitForInspection() {
	interrupted := make(chan os.Signal, 1)
	signal.Notify(interrupted, os.Interrupt)
	defer signal.Stop(interrupted)
	<-interrupted
}
