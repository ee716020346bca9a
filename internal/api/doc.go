// Package api exposes the read-only operational surface of the queue over
// HTTP: a health probe, aggregate task counts, and individual task records.
// Everything that mutates tasks goes through the queue API in code; there
// are deliberately no mutation endpoints here.
package api
