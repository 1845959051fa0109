// Package core defines the domain model shared by every Warden component.
//
// # Overview
//
// The core package provides:
//   - Indicators and indicator sets, the keys used for enrichment and correlation
//   - Events, the immutable output of sensor normalization
//   - Incidents with their lifecycle and append-only transition history
//   - PlaybookRun records and their identity key
//   - The error taxonomy every other package wraps
//
// # Mutation rules
//
// Events never change after construction. Incidents change membership only
// through the correlation engine and status only through the playbook executor
// or an operator action; every change appends a Transition and bumps Version so
// stores can compare-and-swap.
package core
