package neo4jstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// The schema assertions the provision graph relies on. Uniqueness constraints
// back the MERGE-based write path (concurrent merges of the same key converge
// on one node instead of duplicating it); indexes serve the analytics
// lookups.
var schemaStatements = []string{
	`CREATE CONSTRAINT IF NOT EXISTS
	FOR (d:Document)
	REQUIRE d.id IS UNIQUE`,
	`CREATE CONSTRAINT IF NOT EXISTS
	FOR (j:Jurisdiction)
	REQUIRE j.name IS UNIQUE`,
	`CREATE CONSTRAINT IF NOT EXISTS
	FOR (c:Concept)
	REQUIRE c.name IS UNIQUE`,
	`CREATE CONSTRAINT IF NOT EXISTS
	FOR (p:Provision)
	REQUIRE (p.pid, p.version_id) IS UNIQUE`,
	`CREATE CONSTRAINT IF NOT EXISTS
	FOR (t:Threshold)
	REQUIRE (t.pid, t.version_id) IS UNIQUE`,
	`CREATE CONSTRAINT IF NOT EXISTS
	FOR (prov:Provenance)
	REQUIRE (prov.doc_id, prov.start, prov.end) IS UNIQUE`,
	`CREATE INDEX IF NOT EXISTS
	FOR (p:Provision)
	ON (p.pid)`,
	`CREATE INDEX IF NOT EXISTS
	FOR (t:Threshold)
	ON (t.unit_normalized)`,
}

// BootstrapDatabase creates the constraints and indexes the database needs
// before it can hold a provision graph.
//
// The (pid, version_id) uniqueness constraint is what lets a retried delivery
// of the same event merge into an existing version node instead of creating a
// duplicate; without it the single-current-version guarantee would depend on
// delivery behaving.
//
// To operate on the created database, construct a Store with the same name:
//
//	store := neo4jstore.NewStore(driver, name)
//
// This function is idempotent.
func BootstrapDatabase(ctx context.Context, d neo4j.DriverWithContext, name string) error {
	if err := createDatabase(ctx, d, name); err != nil {
		return fmt.Errorf("create database: %w", err)
	}

	s := d.NewSession(ctx, neo4j.SessionConfig{DatabaseName: name})
	defer func() { _ = s.Close(ctx) }()

	for _, stmt := range schemaStatements {
		if _, err := s.Run(ctx, stmt, nil); err != nil {
			return fmt.Errorf("apply schema statement: %w", err)
		}
	}
	return s.Close(ctx)
}

func createDatabase(ctx context.Context, d neo4j.DriverWithContext, name string) error {
	if name == "" {
		panic("neo4jstore: database name must not be empty")
	}
	if name == "neo4j" {
		panic("neo4jstore: database name must not be neo4j: reserved for the default database")
	}
	if strings.HasPrefix(name, "system") || strings.HasPrefix(name, "_") {
		panic("neo4jstore: names that begin with an underscore or the prefix system are reserved for internal use")
	}

	s := d.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer func() { _ = s.Close(ctx) }()

	// create a new database if it does not exist
	_, err := s.Run(ctx, `
			CREATE DATABASE $name IF NOT EXISTS
		`, map[string]any{
		"name": name,
	})
	return err
}
