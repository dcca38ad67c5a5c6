// Package audit records commands that changed plant or network state.
//
// Every accepted point write, simulation, device reinitialisation,
// eviction, time synchronisation and point declaration made through the
// API is stored in the audit_log table with the subject of the token that
// issued it. The trail answers "who commanded this setpoint" long after
// the value itself has been overwritten.
//
// Usage:
//
//	repo := audit.NewSQLiteRepository(db.DB)
//	err := repo.Record(ctx, &audit.Entry{
//	    Action:  audit.ActionWrite,
//	    Target:  "1001:analogValue:1:presentValue",
//	    Subject: "commissioning-laptop",
//	    Source:  audit.SourceAPI,
//	    Details: map[string]any{"value": "21.5", "priority": 8},
//	})
package audit
