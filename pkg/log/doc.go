/*
Package log provides structured logging for the fhirstore persistence
core, built on zerolog.

# Usage

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	dataLog := log.WithResourceType("Patient")
	dataLog.Info().Str("storage_id", storageID).Int64("vid", vid).Msg("resource created")

	bundleLog := log.WithTenant(tenantID)
	bundleLog.Warn().Msg("bundle rolled back")

Child loggers are created with WithResourceType, WithTenant, and
WithStorageID, each adding one structured field rather than
interpolating values into the message string. Components compose child
loggers freely, e.g. log.WithTenant(tid).With().Str("resource_type", rt).Logger().

# Output

JSON output (JSONOutput: true):

	{"level":"info","resource_type":"Patient","storage_id":"abc123","vid":2,"time":"2026-07-29T10:30:01Z","message":"resource created"}

Console output (JSONOutput: false), useful for local development:

	2026-07-29T10:30:01Z INF resource created resource_type=Patient storage_id=abc123 vid=2
*/
package log
