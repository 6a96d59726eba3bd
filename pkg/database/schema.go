package database

import (
	"context"
	"fmt"
)

// CreateSchema creates the database schema for the queue engine
func (db *DB) CreateSchema(ctx context.Context) error {
	db.logger.Info("Creating database schema...")

	// Create extension for UUID generation
	if err := db.createExtensions(ctx); err != nil {
		return fmt.Errorf("failed to create extensions: %w", err)
	}

	// Create tables
	tables := []string{
		createTicketsTable,
	}

	for _, table := range tables {
		if _, err := db.ExecContext(ctx, table); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	// Create indexes
	indexes := []string{
		createTicketsIndexes,
	}

	for _, index := range indexes {
		if _, err := db.ExecContext(ctx, index); err != nil {
			return fmt.Errorf("failed to create indexes: %w", err)
		}
	}

	db.logger.Info("Database schema created successfully")
	return nil
}

// createExtensions creates required PostgreSQL extensions
func (db *DB) createExtensions(ctx context.Context) error {
	extensions := []string{
		`CREATE EXTENSION IF NOT EXISTS "uuid-ossp";`,
	}

	for _, ext := range extensions {
		if _, err := db.ExecContext(ctx, ext); err != nil {
			return fmt.Errorf("failed to create extension: %w", err)
		}
	}

	return nil
}

// SQL DDL statements for table creation
const (
	createTicketsTable = `
		CREATE TABLE IF NOT EXISTS tickets (
			id UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
			patient_id UUID NOT NULL,
			patient_name VARCHAR(255) NOT NULL,
			patient_contact VARCHAR(100) NOT NULL DEFAULT '',
			doctor_id UUID NOT NULL,
			day DATE NOT NULL,
			sequence_number INTEGER NOT NULL,
			scheduled_time TIMESTAMP WITH TIME ZONE NOT NULL,
			status VARCHAR(20) NOT NULL DEFAULT 'WAITING',
			created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
			updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
			CONSTRAINT tickets_status_check CHECK (
				status IN ('WAITING', 'CALLED', 'IN_PROGRESS', 'DONE', 'SKIPPED', 'CANCELLED')
			),
			CONSTRAINT tickets_sequence_unique UNIQUE (doctor_id, day, sequence_number)
		);`

	createTicketsIndexes = `
		CREATE INDEX IF NOT EXISTS idx_tickets_doctor_day ON tickets(doctor_id, day);
		CREATE INDEX IF NOT EXISTS idx_tickets_patient ON tickets(patient_id);
		CREATE INDEX IF NOT EXISTS idx_tickets_status ON tickets(status);`
)
