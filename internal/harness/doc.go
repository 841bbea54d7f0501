// Package harness loads validation scripts and runs them against a backend.
//
// # Script Format
//
// Scripts are YAML files (or CUE / JSON files with the same shape):
//
//	name: list_connections
//	description: "ListConnections streams PENDING then OK"
//	tokens:
//	  expected_count: 2
//	steps:
//	  - log: "listing connections"
//	  - send:
//	      command: ListConnections
//	      args: { verbose: true }
//	    expect:
//	      - request_id: !last_request_id
//	        request_state: { type: PENDING }
//	      - request_id: !last_request_id
//	        request_state: !strict { type: OK, msg: "" }
//	        result: !ignore
//	        done: true
//	  - set:
//	      first_port: !response result.0.port
//	  - validate_last:
//	      done: true
//	  - execute: common/teardown.yaml
//
// Each step has exactly one action: send (with an optional expect list),
// set, validate_last, execute or log.
//
// # Template Tags
//
// Expected values and send args are templates:
//
//   - !ignore matches anything, including an absent field
//   - !regex <pattern> matches the string form of the value
//   - !token <name> is the current value of a session token
//   - !last_request_id is the ID of the most recent request
//   - !response <path> is a value from the last response envelope
//   - !strict {mapping} rejects fields the mapping does not list
//
// CUE and JSON scripts use the "$" object forms instead:
// {"$regex": "\\d+"}, {"$token": "id"} and so on.
//
// # Deterministic Runs
//
// A Runner numbers trace events with a testutil.DeterministicClock. With a
// session.SequentialGenerator for request IDs the trace of a run is
// byte-identical across runs and can be compared to a golden file.
package harness
