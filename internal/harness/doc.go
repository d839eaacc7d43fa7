// Package harness runs commit scenarios against a fresh in-memory store.
//
// A scenario declares document mappings, drives one or more sessions
// through a list of steps and states the outcome each commit must have.
// The operations every successful commit executed form the trace, which
// assertions inspect and golden files pin down.
//
// # Scenario Format
//
//	name: issue_before_user
//	description: "Issues are inserted after the users they reference"
//	schema: |
//	  document: User: {}
//	  document: Issue: references: AssigneeID: type: "User"
//	steps:
//	  - op: insert
//	    type: Issue
//	    id: i1
//	    refs: { AssigneeID: u1 }
//	  - op: insert
//	    type: User
//	    id: u1
//	    fields: { name: "Ada" }
//	  - op: commit
//	assertions:
//	  - type: trace_order
//	    operations: ["insert User/u1", "insert Issue/i1"]
//	  - type: document
//	    doc_type: Issue
//	    id: i1
//
// Steps run in the session named by their session field, "main" when
// unset. Supported ops:
//
//   - insert, store, update: record the document; a document the session
//     already holds is changed in place
//   - delete: delete a held document, or delete by id
//   - patch: assign the set paths on a stored document
//   - load: read a document into the session
//   - modify: change a held document without recording anything, leaving
//     the write to dirty tracking
//   - start, append: record events on a stream
//   - commit: SaveChanges, whose outcome must equal expect (default ok)
//
// Commit outcomes are ok, cycle, concurrency, exists, collision, constraint
// and error.
package harness
