package errors

// ErrorCodeInfo is the metadata attached to an ErrorCode.
type ErrorCodeInfo struct {
	Code            ErrorCode
	Retryable       bool
	Description     string
	SuggestedAction string
}

// ErrorCodeRegistry maps each ErrorCode to its metadata. Retryable marks
// causes likely to clear on their own. The worker never requeues, but the
// flag is logged and written into dead letter headers so an operator can
// decide to replay.
var ErrorCodeRegistry = buildRegistry(
	ErrorCodeInfo{ErrTimeout, true,
		"Task or collaborator call exceeded its time limit",
		"Check worker.task_timeout and collaborators.timeout"},
	ErrorCodeInfo{ErrContextCancelled, false,
		"Operation cancelled (worker shutting down)",
		"Replay the task from the dead-letter queue if the shutdown was unplanned"},
	ErrorCodeInfo{ErrModelUnavailable, true,
		"Diarization, embedding or transcription service unavailable",
		"Check collaborator health endpoints"},
	ErrorCodeInfo{ErrRateLimit, true,
		"Transcription API rate limit exceeded",
		"Reduce worker replicas or raise the provider quota"},
	ErrorCodeInfo{ErrMalformedPayload, false,
		"Task payload is not valid JSON or lacks file_path/meeting_id",
		"Inspect the dead-letter queue and fix the producer"},
	ErrorCodeInfo{ErrAudioMissing, false,
		"Chunk audio file not found",
		"Verify the shared audio volume is mounted at audio.root"},
	ErrorCodeInfo{ErrAudioDecode, false,
		"Chunk audio could not be decoded as PCM WAV",
		"Check the capture endpoint's output format"},
	ErrorCodeInfo{ErrEmbeddingDimensionMismatch, false,
		"Speaker embedding dimension differs from the meeting's references",
		"Verify the embedding model did not change mid-meeting"},
	ErrorCodeInfo{ErrStoreFailure, true,
		"Reference or transcript store operation failed",
		"Check database connectivity"},
	ErrorCodeInfo{ErrBrokerFailure, true,
		"Message broker connection or channel failure",
		"Check broker connectivity; the worker reconnects on its own"},
	ErrorCodeInfo{ErrStartup, false,
		"Collaborator or store could not be initialized at startup",
		"Fix configuration and restart the worker"},
	ErrorCodeInfo{ErrProcessingError, false,
		"Unclassified processing error",
		"Check worker logs for the task id"},
)

func buildRegistry(infos ...ErrorCodeInfo) map[ErrorCode]ErrorCodeInfo {
	reg := make(map[ErrorCode]ErrorCodeInfo, len(infos))
	for _, info := range infos {
		reg[info.Code] = info
	}
	return reg
}

func lookup(code ErrorCode) (ErrorCodeInfo, bool) {
	info, ok := ErrorCodeRegistry[code]
	return info, ok
}

// IsRetryable reports whether code is registered as transient.
func IsRetryable(code ErrorCode) bool {
	info, _ := lookup(code)
	return info.Retryable
}

// GetSuggestedAction returns the operator hint for code.
func GetSuggestedAction(code ErrorCode) string {
	if info, ok := lookup(code); ok {
		return info.SuggestedAction
	}
	return "Check worker logs for more details"
}

// GetDescription returns the human-readable description for code.
func GetDescription(code ErrorCode) string {
	if info, ok := lookup(code); ok {
		return info.Description
	}
	return "Unknown error"
}
