// Package database provides the SQLite state file used by emu2mqtt.
//
// The bridge keeps very little durable state: the last device_info reply,
// so that a restart can publish discovery before the meter answers again.
// This package owns the connection and schema migrations; the tables
// themselves are used by the device package.
//
// Usage:
//
//	db, err := database.Open(database.Config{Path: cfg.Database.Path, WALMode: true})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
//
// Migrations are additive: files named YYYYMMDD_HHMMSS_description.up.sql
// are applied in version order, each in its own transaction, and recorded
// in schema_migrations.
package database
