// Package pipeline declares the enrichment stage graph and drives claimed
// recordings through it. Stage eligibility is recomputed from live stage
// results on every pass, so completed work survives crashes and reclaims.
package pipeline
