// Package database provides SQLite connectivity for the Gray Logic BACnet core.
//
// This package manages:
//   - Database connection with WAL mode for concurrent access
//   - Schema migrations embedded in the binary (see /migrations)
//   - Connection pooling and lifecycle management
//
// The BACnet core stores two things locally: the device registry cache
// (devices table) and point sample history (point_samples table).
//
// Security Considerations:
//   - All queries use parameterised statements
//   - Database file permissions are set to 0600 (owner read/write only)
//
// Usage:
//
//	db, err := database.Open(ctx, cfg.Database)
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
//
// Migration Strategy:
//
// Migrations are additive-only; each file pair is
// YYYYMMDD_HHMMSS_description.up.sql and .down.sql.
package database
