// Package triage provides the business boundary for hush's notification triage.
// It defines the PolicyStore (durable policy with an in-memory mirror), the
// Engine (pure rule evaluation), the Pipeline (ingestion), the Digester
// (held-event summaries), the Service facade, storage interfaces and models.
package triage
