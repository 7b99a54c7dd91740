// Package services defines the failure taxonomy and retry plumbing shared by
// every collaborator client and pipeline stage.
//
// Errors are classified by wrapping them with sentinel markers (ErrTransient,
// ErrRateLimited, ErrValidation, ErrNotFound, ErrConfiguration); the Retry
// helper honours that classification, backing off on transient failures and
// aborting on permanent ones. Subpackages hold the HTTP clients for the
// recording source, the transcription and analysis collaborators, and the
// retrieval corpus.
package services
