// Package engine defines the TurnProcessor contract and its supporting types.
//
// A turn is one exchange on a phone call: the counterpart's recorded
// utterance goes in, and a stored, playable reply comes out. A [Processor]
// runs the whole pipeline for one turn (fetch, transcription, generation,
// synthesis, storage) and either returns a complete [TurnResult] or a
// [*TurnError] naming the stage that failed. Partial output is never exposed.
//
// Implementations live in sub-packages; [cascade] is the production one.
//
// This package lives under internal/ because it encapsulates application-private
// processing logic and is not intended to be imported by external code.
package engine

import (
	"context"
	"fmt"

	"github.com/MrWong99/callagent/internal/audiostore"
)

// Stage names a step of the turn pipeline.
type Stage string

const (
	StageFetch         Stage = "fetch"
	StageStorage       Stage = "storage"
	StageTranscription Stage = "transcription"
	StageGeneration    Stage = "generation"
	StageSynthesis     Stage = "synthesis"
)

// Recording identifies the counterpart's utterance for a turn. Either URL
// (a gateway recording still to be downloaded) or Ref (audio already in the
// store) must be set.
type Recording struct {
	// URL is the gateway media URL of the recording.
	URL string

	// Ref is the store reference of an already saved incoming artifact. When
	// set, the fetch stage is skipped.
	Ref audiostore.Ref

	// ID is the gateway's recording identifier, used for duplicate detection
	// upstream. The processor only logs it.
	ID string
}

// TurnInput is everything a [Processor] needs to run one turn.
type TurnInput struct {
	CallID    string
	Turn      int
	Recording Recording
}

// TurnResult is the outcome of a successful turn.
type TurnResult struct {
	// Ref points at the synthesized reply in the audio store. Empty when
	// Clarification is true.
	Ref audiostore.Ref

	// Text is the reply that was synthesized, or the clarification prompt
	// that the caller must speak itself.
	Text string

	// Transcript is what the counterpart said.
	Transcript string

	// Clarification is true when nothing was heard. No reply was generated
	// and nothing was synthesized.
	Clarification bool
}

// TurnError reports which stage aborted a turn. It is the only error type a
// [Processor] returns.
type TurnError struct {
	Stage Stage
	Cause error
}

func (e *TurnError) Error() string {
	return fmt.Sprintf("engine: %s stage failed: %v", e.Stage, e.Cause)
}

func (e *TurnError) Unwrap() error { return e.Cause }

// Processor runs one conversational turn.
//
// Implementations must be safe for concurrent use across calls. Callers must
// not run two turns of the same call concurrently.
type Processor interface {
	// Process runs the pipeline for in. On failure the error is a
	// [*TurnError] and the result is nil.
	Process(ctx context.Context, in TurnInput) (*TurnResult, error)
}

// Fetcher downloads a gateway recording.
type Fetcher interface {
	// Fetch returns the recording bytes and their content type.
	Fetch(ctx context.Context, url string) (data []byte, contentType string, err error)
}
