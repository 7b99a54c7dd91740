package stages

import (
	"callpipe/internal/config"
	"callpipe/internal/pipeline"
	"callpipe/internal/services"
	"callpipe/internal/store"
)

// Deps bundles the collaborators the stage graph needs.
type Deps struct {
	Store       *store.Store
	Downloader  MediaDownloader
	Transcriber Transcriber
	Analyzer    Analyzer
}

// Build assembles the production stage graph:
//
//	fetch -> transcribe -> summarize -> embed
//	                   \-> sentiment
//
// Sentiment and summarize both hang off the transcript and may run in either
// order; embed waits for the summary.
func Build(cfg *config.Config, deps Deps) (*pipeline.Pipeline, error) {
	maxAttempts := cfg.Pipeline.MaxStageAttempts
	staging := cfg.Paths.StagingDir
	retry := services.DefaultRetryPolicy()

	return pipeline.New(
		pipeline.Stage{
			Name:            "fetch",
			ProcessingState: store.StateFetching,
			DoneState:       store.StateFetched,
			MaxAttempts:     maxAttempts,
			Handler:         Fetch(deps.Store, deps.Downloader, staging, retry),
		},
		pipeline.Stage{
			Name:            "transcribe",
			DependsOn:       []string{"fetch"},
			ProcessingState: store.StateTranscribing,
			DoneState:       store.StateTranscribed,
			MaxAttempts:     maxAttempts,
			Handler:         Transcribe(deps.Transcriber, staging, retry),
		},
		pipeline.Stage{
			Name:            "summarize",
			DependsOn:       []string{"transcribe"},
			ProcessingState: store.StateAnalyzing,
			DoneState:       store.StateAnalyzing,
			MaxAttempts:     maxAttempts,
			Handler:         Summarize(deps.Analyzer, staging, retry),
		},
		pipeline.Stage{
			Name:            "sentiment",
			DependsOn:       []string{"transcribe"},
			ProcessingState: store.StateAnalyzing,
			DoneState:       store.StateAnalyzing,
			MaxAttempts:     maxAttempts,
			Handler:         Sentiment(deps.Analyzer, staging, retry),
		},
		pipeline.Stage{
			Name:            "embed",
			DependsOn:       []string{"transcribe", "summarize"},
			ProcessingState: store.StateAnalyzing,
			DoneState:       store.StateAnalyzing,
			MaxAttempts:     maxAttempts,
			Handler:         Embed(deps.Analyzer, staging, retry),
		},
	)
}
