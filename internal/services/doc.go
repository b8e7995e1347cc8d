// Package services holds cross-cutting helpers shared by pipeline stages and
// external-service clients: the stage error taxonomy and context annotation
// helpers used for structured logging.
package services
