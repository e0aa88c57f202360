// Package queue carries audit entries and outbound mail over RabbitMQ.
package queue

// AuditQueue receives every audit entry the API records. The consumer in
// this package drains it into MongoDB.
const AuditQueue = "audit.entries"
