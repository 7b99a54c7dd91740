// Package stages implements the enrichment stage handlers: media fetch,
// transcription, summarization, sentiment scoring, and embedding. Each stage
// writes its artifact into the recording's staging directory and reports the
// artifact path as its output reference.
package stages
